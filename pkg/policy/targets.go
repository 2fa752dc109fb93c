// Package policy holds the pure rule utilities shared by negotiation and the
// usage-control gate: extraction, target grouping, pattern detection,
// structural comparison and constraint parsing.
package policy

import (
	"net/url"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

// ExtractRules returns the rules of a contract request or offer.
func ExtractRules(req *contracts.ContractRequest) ([]contracts.Rule, error) {
	if req == nil || len(req.Rules) == 0 {
		id := ""
		if req != nil {
			id = req.ID
		}
		return nil, errorir.New(errorir.KindMissingRules, "contract %q contains no rules", id)
	}
	out := make([]contracts.Rule, len(req.Rules))
	copy(out, req.Rules)
	return out, nil
}

// TargetRuleMap groups rules by the URI they restrict. Rules sharing a target
// are conjunctive. A map is never modified after MapTargets returns it.
type TargetRuleMap struct {
	targets []string
	rules   map[string][]contracts.Rule
}

// MapTargets groups rules by target. A blank or non-absolute target fails the
// whole mapping.
func MapTargets(rules []contracts.Rule) (TargetRuleMap, error) {
	m := TargetRuleMap{rules: make(map[string][]contracts.Rule)}
	for i, r := range rules {
		target := strings.TrimSpace(r.Target)
		if !resolvableURI(target) {
			return TargetRuleMap{}, errorir.New(errorir.KindMissingTargetInRule,
				"rule %d (%s) has no resolvable target", i, r.ID)
		}
		if _, ok := m.rules[target]; !ok {
			m.targets = append(m.targets, target)
		}
		m.rules[target] = append(m.rules[target], r)
	}
	sort.Strings(m.targets)
	return m, nil
}

func resolvableURI(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

// Targets returns the grouped targets in sorted order.
func (m TargetRuleMap) Targets() []string {
	out := make([]string, len(m.targets))
	copy(out, m.targets)
	return out
}

// Rules returns a copy of the rules restricting target.
func (m TargetRuleMap) Rules(target string) []contracts.Rule {
	src := m.rules[target]
	out := make([]contracts.Rule, len(src))
	copy(out, src)
	return out
}
