package contracts

import "time"

// RuleKind distinguishes permissions, prohibitions and duties.
type RuleKind string

const (
	RulePermission  RuleKind = "ids:Permission"
	RuleProhibition RuleKind = "ids:Prohibition"
	RuleDuty        RuleKind = "ids:Duty"
)

// Action is the usage action a rule governs.
type Action string

const (
	ActionUse        Action = "idsc:USE"
	ActionRead       Action = "idsc:READ"
	ActionLog        Action = "idsc:LOG"
	ActionNotify     Action = "idsc:NOTIFY"
	ActionDelete     Action = "idsc:DELETE"
	ActionDistribute Action = "idsc:DISTRIBUTE"
)

// LeftOperand is the quantity a constraint restricts.
type LeftOperand string

const (
	OperandCount                LeftOperand = "idsc:COUNT"
	OperandElapsedTime          LeftOperand = "idsc:ELAPSED_TIME"
	OperandPolicyEvaluationTime LeftOperand = "idsc:POLICY_EVALUATION_TIME"
	OperandSystem               LeftOperand = "idsc:SYSTEM"
	OperandSecurityLevel        LeftOperand = "idsc:SECURITY_LEVEL"
	OperandEndpoint             LeftOperand = "idsc:ENDPOINT"
)

// Operator is the binary comparison of a constraint.
type Operator string

const (
	OpEquals         Operator = "idsc:EQUALS"
	OpEQ             Operator = "idsc:EQ"
	OpLT             Operator = "idsc:LT"
	OpLTEQ           Operator = "idsc:LTEQ"
	OpGT             Operator = "idsc:GT"
	OpAfter          Operator = "idsc:AFTER"
	OpBefore         Operator = "idsc:BEFORE"
	OpSameAs         Operator = "idsc:SAME_AS"
	OpDefinesAs      Operator = "idsc:DEFINES_AS"
	OpTemporalEquals Operator = "idsc:TEMPORAL_EQUALS"
	OpShorterEq      Operator = "idsc:SHORTER_EQ"
)

// Right operand types understood by the gate.
const (
	TypeDateTimeStamp = "xsd:dateTimeStamp"
	TypeDuration      = "xsd:duration"
	TypeInteger       = "xsd:integer"
	TypeString        = "xsd:string"
	TypeAnyURI        = "xsd:anyURI"
)

// RightOperand is a typed literal.
type RightOperand struct {
	Value string `json:"@value"`
	Type  string `json:"@type,omitempty"`
}

// Constraint restricts a rule.
type Constraint struct {
	LeftOperand  LeftOperand  `json:"leftOperand"`
	Operator     Operator     `json:"operator"`
	RightOperand RightOperand `json:"rightOperand"`
	PIPEndpoint  string       `json:"pipEndpoint,omitempty"`
}

// Rule is a usage-control statement about one target. Rules are compared by
// content, never by ID.
type Rule struct {
	ID          string       `json:"@id,omitempty"`
	Kind        RuleKind     `json:"@type"`
	Title       string       `json:"title,omitempty"`
	Target      string       `json:"target,omitempty"`
	Actions     []Action     `json:"action,omitempty"`
	Constraints []Constraint `json:"constraint,omitempty"`
	PreDuties   []Rule       `json:"preDuty,omitempty"`
	PostDuties  []Rule       `json:"postDuty,omitempty"`
}

// ContractRequest is a consumer's proposal. Offers share the same shape.
type ContractRequest struct {
	ID       string    `json:"@id"`
	Rules    []Rule    `json:"rules"`
	Start    time.Time `json:"contractStart,omitempty"`
	End      time.Time `json:"contractEnd,omitempty"`
	Consumer string    `json:"consumer,omitempty"`
	Provider string    `json:"provider,omitempty"`
}

// ContractOffer is what a provider attaches to its resources.
type ContractOffer = ContractRequest

// ContractAgreement is an accepted and signed request.
type ContractAgreement struct {
	ID        string    `json:"@id"`
	RequestID string    `json:"requestId"`
	Rules     []Rule    `json:"rules"`
	Start     time.Time `json:"contractStart"`
	End       time.Time `json:"contractEnd,omitempty"`
	Consumer  string    `json:"consumer"`
	Provider  string    `json:"provider"`
	Signature string    `json:"signature,omitempty"`
	Confirmed bool      `json:"confirmed"`
}

// Targets returns the distinct rule targets of the agreement in first-seen order.
func (a *ContractAgreement) Targets() []string {
	seen := make(map[string]bool, len(a.Rules))
	var out []string
	for _, r := range a.Rules {
		if r.Target != "" && !seen[r.Target] {
			seen[r.Target] = true
			out = append(out, r.Target)
		}
	}
	return out
}

// Expired reports whether the agreement's end lies before now.
func (a *ContractAgreement) Expired(now time.Time) bool {
	return !a.End.IsZero() && a.End.Before(now)
}

// QueryInput parameterises an artifact retrieval.
type QueryInput struct {
	Params   map[string]string `json:"params,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	PathVars map[string]string `json:"pathVariables,omitempty"`
}

// PolicyPattern names a recognised rule shape.
type PolicyPattern string

const (
	PatternProvideAccess                  PolicyPattern = "PROVIDE_ACCESS"
	PatternProhibitAccess                 PolicyPattern = "PROHIBIT_ACCESS"
	PatternNTimesUsage                    PolicyPattern = "N_TIMES_USAGE"
	PatternDurationUsage                  PolicyPattern = "DURATION_USAGE"
	PatternUsageDuringInterval            PolicyPattern = "USAGE_DURING_INTERVAL"
	PatternUsageUntilDeletion             PolicyPattern = "USAGE_UNTIL_DELETION"
	PatternUsageLogging                   PolicyPattern = "USAGE_LOGGING"
	PatternUsageNotification              PolicyPattern = "USAGE_NOTIFICATION"
	PatternConnectorRestrictedUsage       PolicyPattern = "CONNECTOR_RESTRICTED_USAGE"
	PatternSecurityProfileRestrictedUsage PolicyPattern = "SECURITY_PROFILE_RESTRICTED_USAGE"
)
