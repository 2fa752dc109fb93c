package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

func countRule(target, bound string, op contracts.Operator) contracts.Rule {
	return contracts.Rule{
		ID:      "urn:rule:count",
		Kind:    contracts.RulePermission,
		Target:  target,
		Actions: []contracts.Action{contracts.ActionUse},
		Constraints: []contracts.Constraint{{
			LeftOperand:  contracts.OperandCount,
			Operator:     op,
			RightOperand: contracts.RightOperand{Value: bound, Type: contracts.TypeInteger},
		}},
	}
}

func provideRule(target string) contracts.Rule {
	return contracts.Rule{
		ID:      "urn:rule:provide",
		Kind:    contracts.RulePermission,
		Target:  target,
		Actions: []contracts.Action{contracts.ActionUse},
	}
}

func TestExtractRules(t *testing.T) {
	_, err := ExtractRules(&contracts.ContractRequest{ID: "urn:req:1"})
	assert.True(t, errorir.Is(err, errorir.KindMissingRules))

	_, err = ExtractRules(nil)
	assert.True(t, errorir.Is(err, errorir.KindMissingRules))

	rules, err := ExtractRules(&contracts.ContractRequest{Rules: []contracts.Rule{provideRule("urn:a")}})
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestMapTargets_Groups(t *testing.T) {
	m, err := MapTargets([]contracts.Rule{
		provideRule("https://p.example/artifacts/2"),
		countRule("https://p.example/artifacts/1", "3", contracts.OpLTEQ),
		provideRule("https://p.example/artifacts/1"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://p.example/artifacts/1", "https://p.example/artifacts/2"}, m.Targets())
	assert.Len(t, m.Rules("https://p.example/artifacts/1"), 2)
	assert.Len(t, m.Rules("https://p.example/artifacts/2"), 1)
	assert.Empty(t, m.Rules("https://p.example/artifacts/3"))

	// Callers cannot mutate the map through returned slices.
	rs := m.Rules("https://p.example/artifacts/1")
	rs[0].Target = "changed"
	assert.Equal(t, "https://p.example/artifacts/1", m.Rules("https://p.example/artifacts/1")[0].Target)
}

func TestMapTargets_MissingTarget(t *testing.T) {
	for _, target := range []string{"", "   ", "relative/path"} {
		_, err := MapTargets([]contracts.Rule{provideRule("urn:ok"), provideRule(target)})
		assert.True(t, errorir.Is(err, errorir.KindMissingTargetInRule), "target %q", target)
	}
}

func TestDetectPattern(t *testing.T) {
	after := contracts.Constraint{LeftOperand: contracts.OperandPolicyEvaluationTime, Operator: contracts.OpAfter,
		RightOperand: contracts.RightOperand{Value: "2020-01-01T00:00:00Z"}}
	before := contracts.Constraint{LeftOperand: contracts.OperandPolicyEvaluationTime, Operator: contracts.OpBefore,
		RightOperand: contracts.RightOperand{Value: "2030-01-01T00:00:00Z"}}
	deleteDuty := contracts.Rule{Kind: contracts.RuleDuty, Actions: []contracts.Action{contracts.ActionDelete}}

	cases := []struct {
		name string
		rule contracts.Rule
		want contracts.PolicyPattern
		ok   bool
	}{
		{"prohibition", contracts.Rule{Kind: contracts.RuleProhibition}, contracts.PatternProhibitAccess, true},
		{"provide", provideRule("urn:a"), contracts.PatternProvideAccess, true},
		{"count", countRule("urn:a", "5", contracts.OpLTEQ), contracts.PatternNTimesUsage, true},
		{"interval", contracts.Rule{Kind: contracts.RulePermission, Constraints: []contracts.Constraint{after, before}},
			contracts.PatternUsageDuringInterval, true},
		{"until deletion", contracts.Rule{Kind: contracts.RulePermission, Constraints: []contracts.Constraint{after, before},
			PostDuties: []contracts.Rule{deleteDuty}}, contracts.PatternUsageUntilDeletion, true},
		{"duration", contracts.Rule{Kind: contracts.RulePermission, Constraints: []contracts.Constraint{{
			LeftOperand: contracts.OperandElapsedTime, Operator: contracts.OpShorterEq}}}, contracts.PatternDurationUsage, true},
		{"connector", contracts.Rule{Kind: contracts.RulePermission, Constraints: []contracts.Constraint{{
			LeftOperand: contracts.OperandSystem, Operator: contracts.OpSameAs}}}, contracts.PatternConnectorRestrictedUsage, true},
		{"connector wrong operator", contracts.Rule{Kind: contracts.RulePermission, Constraints: []contracts.Constraint{{
			LeftOperand: contracts.OperandSystem, Operator: contracts.OpEquals}}}, "", false},
		{"security", contracts.Rule{Kind: contracts.RulePermission, Constraints: []contracts.Constraint{{
			LeftOperand: contracts.OperandSecurityLevel, Operator: contracts.OpEquals}}}, contracts.PatternSecurityProfileRestrictedUsage, true},
		{"logging", contracts.Rule{Kind: contracts.RulePermission, PostDuties: []contracts.Rule{{
			Kind: contracts.RuleDuty, Actions: []contracts.Action{contracts.ActionLog}}}}, contracts.PatternUsageLogging, true},
		{"notification", contracts.Rule{Kind: contracts.RulePermission, PostDuties: []contracts.Rule{{
			Kind: contracts.RuleDuty, Actions: []contracts.Action{contracts.ActionNotify}}}}, contracts.PatternUsageNotification, true},
		{"duty only", contracts.Rule{Kind: contracts.RuleDuty}, "", false},
		{"unknown post duty", contracts.Rule{Kind: contracts.RulePermission, PostDuties: []contracts.Rule{{
			Kind: contracts.RuleDuty, Actions: []contracts.Action{contracts.ActionDistribute}}}}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DetectPattern(tc.rule)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompareRuleLists(t *testing.T) {
	a := countRule("urn:t", "5", contracts.OpLTEQ)
	b := provideRule("urn:t")

	assert.True(t, CompareRuleLists([]contracts.Rule{a, b}, []contracts.Rule{b, a}))
	assert.True(t, CompareRuleLists([]contracts.Rule{a, a}, []contracts.Rule{a}))
	assert.False(t, CompareRuleLists([]contracts.Rule{a, b}, []contracts.Rule{a}))
	assert.True(t, CompareRuleLists(nil, []contracts.Rule{}))
	assert.False(t, CompareRuleLists(nil, []contracts.Rule{a}))
}

func TestCompareRules_IgnoresIdentityAndOrder(t *testing.T) {
	a := countRule("urn:t", "5", contracts.OpLTEQ)
	a.Actions = []contracts.Action{contracts.ActionUse, contracts.ActionRead}
	b := a
	b.ID = "urn:rule:other"
	b.Title = "same content"
	b.Actions = []contracts.Action{contracts.ActionRead, contracts.ActionUse, contracts.ActionRead}
	assert.True(t, CompareRules(a, b))

	c := countRule("urn:t", "6", contracts.OpLTEQ)
	assert.False(t, CompareRules(a, c))

	d := a
	d.Kind = contracts.RuleProhibition
	assert.False(t, CompareRules(a, d))
}

func TestCompareContracts(t *testing.T) {
	a := &contracts.ContractAgreement{Rules: []contracts.Rule{countRule("urn:t1", "3", contracts.OpLTEQ), provideRule("urn:t2")}}
	b := &contracts.ContractAgreement{Rules: []contracts.Rule{provideRule("urn:t2"), countRule("urn:t1", "3", contracts.OpLTEQ)}}
	assert.True(t, CompareContracts(a, b))

	// Same rules, swapped targets.
	c := &contracts.ContractAgreement{Rules: []contracts.Rule{countRule("urn:t2", "3", contracts.OpLTEQ), provideRule("urn:t1")}}
	assert.False(t, CompareContracts(a, c))
	assert.False(t, CompareContracts(a, nil))
}

func TestMaxAccess(t *testing.T) {
	cases := []struct {
		value string
		op    contracts.Operator
		want  int64
	}{
		{"5", contracts.OpLTEQ, 5},
		{"5", contracts.OpEQ, 5},
		{"5", contracts.OpLT, 4},
		{"5", contracts.OpGT, 0},
		{"-2", contracts.OpLTEQ, 0},
		{"0", contracts.OpLT, 0},
	}
	for _, tc := range cases {
		got, err := MaxAccess(countRule("urn:t", tc.value, tc.op).Constraints[0])
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %s", tc.op, tc.value)
	}

	_, err := MaxAccess(countRule("urn:t", "five", contracts.OpLTEQ).Constraints[0])
	assert.Error(t, err)
}

func TestParseISODuration(t *testing.T) {
	cases := map[string]time.Duration{
		"PT1H":       time.Hour,
		"P1D":        24 * time.Hour,
		"P2DT3H4M5S": 2*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second,
		"PT0.5S":     500 * time.Millisecond,
		"-PT1M":      -time.Minute,
		"pt30m":      30 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseISODuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "P", "PT", "1H", "P1H", "PT1D", "P1Y", "PT5", "PTH"} {
		_, err := ParseISODuration(bad)
		assert.Error(t, err, bad)
	}

	// Beyond time.Duration's ~292 years the value must not wrap negative.
	for _, huge := range []string{"P200000D", "PT9999999999H", "P106000DT1000000H", "-P200000D"} {
		d, err := ParseISODuration(huge)
		assert.Error(t, err, huge)
		assert.Zero(t, d, huge)
	}
}

func TestDuration_RequiresType(t *testing.T) {
	c := contracts.Constraint{LeftOperand: contracts.OperandElapsedTime, RightOperand: contracts.RightOperand{Value: "PT1H"}}
	_, err := Duration(c)
	assert.Error(t, err)

	c.RightOperand.Type = contracts.TypeDuration
	d, err := Duration(c)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
}

func TestDeletionDate(t *testing.T) {
	r := contracts.Rule{PostDuties: []contracts.Rule{{
		Kind:    contracts.RuleDuty,
		Actions: []contracts.Action{contracts.ActionDelete},
		Constraints: []contracts.Constraint{{
			LeftOperand:  contracts.OperandPolicyEvaluationTime,
			Operator:     contracts.OpTemporalEquals,
			RightOperand: contracts.RightOperand{Value: "2025-06-01T00:00:00Z", Type: contracts.TypeDateTimeStamp},
		}},
	}}}
	d, ok, err := DeletionDate(r)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2025, d.Year())

	_, ok, err = DeletionDate(provideRule("urn:a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequiredSecurityProfile(t *testing.T) {
	p, err := RequiredSecurityProfile(contracts.Constraint{RightOperand: contracts.RightOperand{Value: string(contracts.ProfileTrust)}})
	require.NoError(t, err)
	assert.Equal(t, contracts.ProfileTrust, p)

	_, err = RequiredSecurityProfile(contracts.Constraint{RightOperand: contracts.RightOperand{Value: "GOLD"}})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, m)

	m, err = ParseMode(" Permissive ")
	require.NoError(t, err)
	assert.Equal(t, ModePermissive, m)
	assert.Equal(t, "permissive", m.String())

	_, err = ParseMode("lenient")
	assert.Error(t, err)
}
