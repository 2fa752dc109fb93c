package policy

import (
	"sort"

	"github.com/Mindburn-Labs/dsconnector/pkg/canonicalize"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

// ruleShape is the part of a rule that takes part in equality. IDs, titles
// and targets are excluded; targets are compared by CompareContracts through
// the target grouping.
type ruleShape struct {
	Kind        contracts.RuleKind `json:"kind"`
	Actions     []string           `json:"actions"`
	Constraints []string           `json:"constraints"`
	PreDuties   []string           `json:"pre"`
	PostDuties  []string           `json:"post"`
}

// Fingerprint returns the canonical form of a rule under the rule-equality
// relation. Two rules are equal exactly when their fingerprints are.
func Fingerprint(r contracts.Rule) (string, error) {
	shape := ruleShape{Kind: r.Kind}

	actions := make([]string, 0, len(r.Actions))
	for _, a := range r.Actions {
		actions = append(actions, string(a))
	}
	shape.Actions = uniqueSorted(actions)

	constraints := make([]string, 0, len(r.Constraints))
	for _, c := range r.Constraints {
		b, err := canonicalize.NormalizedJCS(c)
		if err != nil {
			return "", err
		}
		constraints = append(constraints, string(b))
	}
	shape.Constraints = uniqueSorted(constraints)

	var err error
	if shape.PreDuties, err = fingerprints(r.PreDuties); err != nil {
		return "", err
	}
	if shape.PostDuties, err = fingerprints(r.PostDuties); err != nil {
		return "", err
	}

	b, err := canonicalize.JCS(shape)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fingerprints(rules []contracts.Rule) ([]string, error) {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		fp, err := Fingerprint(r)
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return uniqueSorted(out), nil
}

func uniqueSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// CompareRules reports whether two rules are structurally equal.
func CompareRules(a, b contracts.Rule) bool {
	fa, err := Fingerprint(a)
	if err != nil {
		return false
	}
	fb, err := Fingerprint(b)
	if err != nil {
		return false
	}
	return fa == fb
}

// CompareRuleLists compares two rule lists as sets: order and duplicates do
// not matter, and nil equals empty.
func CompareRuleLists(a, b []contracts.Rule) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	fa, err := fingerprints(a)
	if err != nil {
		return false
	}
	fb, err := fingerprints(b)
	if err != nil {
		return false
	}
	if len(fa) != len(fb) {
		return false
	}
	for i := range fa {
		if fa[i] != fb[i] {
			return false
		}
	}
	return true
}

// CompareContracts reports whether two agreements carry the same rule content
// for the same targets.
func CompareContracts(a, b *contracts.ContractAgreement) bool {
	if a == nil || b == nil {
		return a == b
	}
	ma, err := MapTargets(a.Rules)
	if err != nil {
		return false
	}
	mb, err := MapTargets(b.Rules)
	if err != nil {
		return false
	}
	ta, tb := ma.Targets(), mb.Targets()
	if len(ta) != len(tb) {
		return false
	}
	for i := range ta {
		if ta[i] != tb[i] {
			return false
		}
		if !CompareRuleLists(ma.Rules(ta[i]), mb.Rules(tb[i])) {
			return false
		}
	}
	return true
}
