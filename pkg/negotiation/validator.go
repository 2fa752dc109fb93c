// Package negotiation validates contract requests and drives each
// negotiation from request to confirmed agreement or rejection.
package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
	"github.com/Mindburn-Labs/dsconnector/pkg/policy"
)

// Validation is the outcome of a successful rule validation.
type Validation struct {
	Targets []string
	// Offers holds the matched contract offer per target. It is empty when
	// offer matching is disabled.
	Offers map[string]*catalog.Contract
	// Unrecognised lists rules passed through in permissive mode.
	Unrecognised []string
}

// OfferEnd returns the earliest end date among the matched offers.
func (v *Validation) OfferEnd() time.Time {
	var end time.Time
	for _, o := range v.Offers {
		if o.End.IsZero() {
			continue
		}
		if end.IsZero() || o.End.Before(end) {
			end = o.End
		}
	}
	return end
}

// RuleValidator checks that every target exists, every rule has a known
// shape and the request matches an offer for each target.
type RuleValidator struct {
	lookup      catalog.Lookup
	codec       codec.Deserializer
	mode        policy.Mode
	hook        AcceptanceHook
	matchOffers bool
	clock       func() time.Time
	logger      *slog.Logger
}

type ValidatorOption func(*RuleValidator)

func WithPolicyMode(m policy.Mode) ValidatorOption {
	return func(v *RuleValidator) { v.mode = m }
}

func WithAcceptanceHook(h AcceptanceHook) ValidatorOption {
	return func(v *RuleValidator) { v.hook = h }
}

// WithOfferMatching toggles the comparison against published offers.
func WithOfferMatching(enabled bool) ValidatorOption {
	return func(v *RuleValidator) { v.matchOffers = enabled }
}

func WithValidatorClock(clock func() time.Time) ValidatorOption {
	return func(v *RuleValidator) { v.clock = clock }
}

func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *RuleValidator) { v.logger = l }
}

func NewRuleValidator(lookup catalog.Lookup, dec codec.Deserializer, opts ...ValidatorOption) *RuleValidator {
	v := &RuleValidator{
		lookup:      lookup,
		codec:       dec,
		hook:        AcceptAll{},
		matchOffers: true,
		clock:       time.Now,
		logger:      slog.Default().With("component", "negotiation"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the checks in order: target existence, rule shape, offer
// match, acceptance hook. The first failure is returned.
func (v *RuleValidator) Validate(ctx context.Context, req *contracts.ContractRequest, issuer string, claims *identity.Claims, targets policy.TargetRuleMap) (*Validation, error) {
	out := &Validation{
		Targets: targets.Targets(),
		Offers:  make(map[string]*catalog.Contract),
	}
	now := v.clock()

	for _, target := range out.Targets {
		if err := v.requireTarget(ctx, target); err != nil {
			return nil, err
		}
		rules := targets.Rules(target)
		for _, r := range rules {
			if _, ok := policy.DetectPattern(r); ok {
				continue
			}
			if v.mode == policy.ModeStrict {
				return nil, errorir.New(errorir.KindMalformedRule, "rule %s on %s matches no supported pattern", r.ID, target)
			}
			v.logger.WarnContext(ctx, "passing unrecognised rule through", "rule", r.ID, "target", target)
			out.Unrecognised = append(out.Unrecognised, r.ID)
		}
		if !v.matchOffers {
			continue
		}
		offer, err := v.matchOffer(ctx, target, rules, issuer, now)
		if err != nil {
			return nil, err
		}
		out.Offers[target] = offer
	}

	var all []contracts.Rule
	for _, t := range out.Targets {
		all = append(all, targets.Rules(t)...)
	}
	id := ""
	if req != nil {
		id = req.ID
	}
	accepted, err := v.hook.Accept(ctx, AcceptanceInput{
		RequestID: id,
		Issuer:    issuer,
		Targets:   out.Targets,
		Rules:     all,
		Claims:    claims,
	})
	if err != nil {
		return nil, errorir.Wrap(errorir.KindContractRejected, err, "acceptance hook failed")
	}
	if !accepted {
		return nil, errorir.New(errorir.KindContractRejected, "contract request %s was declined", id)
	}
	return out, nil
}

func (v *RuleValidator) requireTarget(ctx context.Context, target string) error {
	e, err := v.lookup.Get(ctx, target)
	if errors.Is(err, catalog.ErrNotFound) {
		return errorir.New(errorir.KindResourceNotFound, "target %s does not exist", target)
	}
	if err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "lookup "+target)
	}
	switch e.EntityKind() {
	case catalog.KindArtifact, catalog.KindResource:
		return nil
	default:
		return errorir.New(errorir.KindResourceNotFound, "target %s is a %s, not an artifact", target, e.EntityKind())
	}
}

// matchOffer finds a currently valid offer open to issuer whose rules equal
// the requested rules for target.
func (v *RuleValidator) matchOffer(ctx context.Context, target string, requested []contracts.Rule, issuer string, now time.Time) (*catalog.Contract, error) {
	offers, err := v.lookup.ContractsFor(ctx, target)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return nil, errorir.Wrap(errorir.KindInternal, err, "offers for "+target)
	}

	var candidates []*catalog.Contract
	for _, o := range offers {
		if !o.ValidAt(now) {
			continue
		}
		if o.Consumer != "" && o.Consumer != issuer {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return nil, errorir.New(errorir.KindContractListEmpty, "no contract offer for %s is available to %s", target, issuer)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	for _, o := range candidates {
		offered, err := v.offerRules(ctx, o)
		if err != nil {
			v.logger.WarnContext(ctx, "skipping unreadable offer", "offer", o.ID, "error", err)
			continue
		}
		if policy.CompareRuleLists(offered, requested) {
			return o, nil
		}
	}
	return nil, errorir.New(errorir.KindContractRejected, "requested rules for %s match no offer", target)
}

func (v *RuleValidator) offerRules(ctx context.Context, o *catalog.Contract) ([]contracts.Rule, error) {
	rules := make([]contracts.Rule, 0, len(o.Rules))
	for _, id := range o.Rules {
		e, err := v.lookup.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		cr, ok := e.(*catalog.ContractRule)
		if !ok {
			return nil, errors.New("offer rule " + id + " is a " + e.EntityKind().String())
		}
		r, err := v.codec.Rule(cr.Value)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, nil
}
