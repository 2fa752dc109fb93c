package policy

import "github.com/Mindburn-Labs/dsconnector/pkg/contracts"

// DetectPattern classifies a rule into one of the recognised policy patterns.
// The boolean is false for shapes no pattern describes.
func DetectPattern(r contracts.Rule) (contracts.PolicyPattern, bool) {
	switch r.Kind {
	case contracts.RuleProhibition:
		return contracts.PatternProhibitAccess, true
	case contracts.RulePermission:
	default:
		return "", false
	}

	hasPostDuty := len(r.PostDuties) > 0

	switch {
	case len(r.Constraints) > 1:
		if hasPostDuty {
			return contracts.PatternUsageUntilDeletion, true
		}
		return contracts.PatternUsageDuringInterval, true

	case len(r.Constraints) == 1:
		c := r.Constraints[0]
		switch {
		case c.LeftOperand == contracts.OperandCount:
			return contracts.PatternNTimesUsage, true
		case c.LeftOperand == contracts.OperandElapsedTime:
			return contracts.PatternDurationUsage, true
		case c.LeftOperand == contracts.OperandSystem && c.Operator == contracts.OpSameAs:
			return contracts.PatternConnectorRestrictedUsage, true
		case c.LeftOperand == contracts.OperandSecurityLevel && c.Operator == contracts.OpEquals:
			return contracts.PatternSecurityProfileRestrictedUsage, true
		}
		return "", false

	case hasPostDuty:
		if len(r.PostDuties[0].Actions) == 0 {
			return "", false
		}
		switch r.PostDuties[0].Actions[0] {
		case contracts.ActionNotify:
			return contracts.PatternUsageNotification, true
		case contracts.ActionLog:
			return contracts.PatternUsageLogging, true
		}
		return "", false

	default:
		return contracts.PatternProvideAccess, true
	}
}
