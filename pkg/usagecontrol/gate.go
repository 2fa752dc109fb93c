// Package usagecontrol enforces agreement rules at data access time.
package usagecontrol

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/celeval"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
	"github.com/Mindburn-Labs/dsconnector/pkg/policy"
)

// Counter tracks accesses per (agreement, target). IncrementIfBelow must be
// atomic: it increments only while the count is below max and reports the
// resulting count and whether the increment happened.
type Counter interface {
	IncrementIfBelow(ctx context.Context, agreementID, target string, max int64) (int64, bool, error)
}

// RequestContext describes one data access.
type RequestContext struct {
	AgreementID   string
	Target        string
	Issuer        string
	Claims        *identity.Claims
	TargetCreated time.Time
	Now           time.Time
}

// DefaultGuard admits every unrecognised rule in permissive mode.
const DefaultGuard = "true"

// Gate evaluates agreement rules against a request. It is called once per
// access; a grant under COUNT constraints consumes one use.
type Gate struct {
	counter  Counter
	executor Executor
	mode     policy.Mode
	guard    string
	eval     *celeval.Evaluator
	clock    func() time.Time
	logger   *slog.Logger
}

type GateOption func(*Gate)

// WithMode selects how unrecognised rules are treated.
func WithMode(m policy.Mode) GateOption {
	return func(g *Gate) { g.mode = m }
}

// WithGuard sets the CEL expression unrecognised rules must satisfy in
// permissive mode.
func WithGuard(eval *celeval.Evaluator, expr string) GateOption {
	return func(g *Gate) {
		g.eval = eval
		g.guard = expr
	}
}

// WithExecutor sets the duty executor.
func WithExecutor(e Executor) GateOption {
	return func(g *Gate) { g.executor = e }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) GateOption {
	return func(g *Gate) { g.clock = clock }
}

func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

func NewGate(counter Counter, opts ...GateOption) *Gate {
	g := &Gate{
		counter: counter,
		guard:   DefaultGuard,
		clock:   time.Now,
		logger:  slog.Default().With("component", "usagecontrol"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.executor == nil {
		g.executor = NewSlogExecutor(g.logger, nil)
	}
	return g
}

func restricted(operand contracts.LeftOperand, format string, args ...any) error {
	e := errorir.New(errorir.KindPolicyRestriction, format, args...)
	if operand != "" {
		e.Detail = string(operand) + ": " + e.Detail
	}
	return e
}

// Grant is a permitted access. Its duties are owed once the data has
// actually been delivered.
type Grant struct {
	rules []contracts.Rule
	rc    RequestContext
}

// Authorize checks every rule of an agreement on rc.Target. The rules are
// conjunctive: the first failing constraint ends the evaluation and is
// named in the error. Usage counting happens last and consumes exactly one
// use against the tightest COUNT bound, so a denial never consumes a use.
func (g *Gate) Authorize(ctx context.Context, rules []contracts.Rule, rc RequestContext) (*Grant, error) {
	if rc.Now.IsZero() {
		rc.Now = g.clock()
	}

	var bound *contracts.Constraint
	var limit int64
	for _, rule := range rules {
		count, err := g.checkRule(ctx, rule, rc)
		if err != nil {
			return nil, err
		}
		if count == nil {
			continue
		}
		max, err := policy.MaxAccess(*count)
		if err != nil {
			return nil, restricted(count.LeftOperand, "%v", err)
		}
		if bound == nil || max < limit {
			bound, limit = count, max
		}
	}

	if bound != nil {
		if err := g.consume(ctx, bound.LeftOperand, limit, rc); err != nil {
			return nil, err
		}
	}
	return &Grant{rules: rules, rc: rc}, nil
}

// checkRule evaluates every constraint of rule except COUNT, which it
// returns for Authorize to settle.
func (g *Gate) checkRule(ctx context.Context, rule contracts.Rule, rc RequestContext) (*contracts.Constraint, error) {
	now := rc.Now
	pattern, ok := policy.DetectPattern(rule)
	if !ok {
		return nil, g.checkUnrecognised(ctx, rule, rc, now)
	}
	if pattern == contracts.PatternProhibitAccess {
		return nil, restricted("", "access to %s is prohibited", rule.Target)
	}

	var count *contracts.Constraint
	for i := range rule.Constraints {
		c := rule.Constraints[i]
		switch c.LeftOperand {
		case contracts.OperandCount:
			count = &rule.Constraints[i]
		case contracts.OperandPolicyEvaluationTime:
			if err := checkTime(c, now); err != nil {
				return nil, err
			}
		case contracts.OperandElapsedTime:
			if err := checkElapsed(c, rc.TargetCreated, now); err != nil {
				return nil, err
			}
		case contracts.OperandSystem:
			if c.RightOperand.Value != rc.Issuer {
				return nil, restricted(c.LeftOperand, "connector %s is not %s", rc.Issuer, c.RightOperand.Value)
			}
		case contracts.OperandSecurityLevel:
			if err := checkSecurityProfile(c, rc.Claims); err != nil {
				return nil, err
			}
		case contracts.OperandEndpoint:
			// read by duties
		default:
			return nil, restricted(c.LeftOperand, "unsupported constraint")
		}
	}

	if date, has, err := policy.DeletionDate(rule); err != nil {
		return nil, restricted("", "deletion duty: %v", err)
	} else if has && !now.Before(date) {
		return nil, restricted("", "usage of %s ended at %s", rule.Target, date.Format(time.RFC3339))
	}
	return count, nil
}

func (g *Gate) checkUnrecognised(ctx context.Context, rule contracts.Rule, rc RequestContext, now time.Time) error {
	if g.mode == policy.ModeStrict {
		return restricted("", "rule %s has no supported pattern", rule.ID)
	}
	if g.eval == nil || g.guard == DefaultGuard {
		g.logger.WarnContext(ctx, "allowing unrecognised rule", "rule", rule.ID, "target", rule.Target)
		return nil
	}
	doc, err := celeval.Document(rule)
	if err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "encode rule for guard")
	}
	claims, err := celeval.Document(rc.Claims)
	if err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "encode claims for guard")
	}
	allowed, err := g.eval.Eval(ctx, g.guard, celeval.Input{
		Rule:   doc,
		Claims: claims,
		Issuer: rc.Issuer,
		Now:    now.Unix(),
		Request: map[string]any{
			"agreement": rc.AgreementID,
			"target":    rc.Target,
		},
	})
	if err != nil {
		return restricted("", "guard for rule %s failed: %v", rule.ID, err)
	}
	if !allowed {
		return restricted("", "guard denied rule %s", rule.ID)
	}
	g.logger.InfoContext(ctx, "guard admitted unrecognised rule", "rule", rule.ID)
	return nil
}

func checkTime(c contracts.Constraint, now time.Time) error {
	t, err := policy.ParseDate(c.RightOperand.Value)
	if err != nil {
		return restricted(c.LeftOperand, "%v", err)
	}
	var iv policy.Interval
	switch c.Operator {
	case contracts.OpAfter:
		iv.Start = t
	case contracts.OpBefore:
		iv.End = t
	default:
		return restricted(c.LeftOperand, "unsupported operator %s", c.Operator)
	}
	if !iv.Contains(now) {
		return restricted(c.LeftOperand, "%s %s not satisfied at %s", c.Operator, c.RightOperand.Value, now.UTC().Format(time.RFC3339))
	}
	return nil
}

func checkElapsed(c contracts.Constraint, created, now time.Time) error {
	d, err := policy.Duration(c)
	if err != nil {
		return restricted(c.LeftOperand, "%v", err)
	}
	if created.IsZero() {
		return restricted(c.LeftOperand, "target has no creation date")
	}
	if !now.Before(created.Add(d)) {
		return restricted(c.LeftOperand, "usage period %s expired", c.RightOperand.Value)
	}
	return nil
}

func checkSecurityProfile(c contracts.Constraint, claims *identity.Claims) error {
	required, err := policy.RequiredSecurityProfile(c)
	if err != nil {
		return restricted(c.LeftOperand, "%v", err)
	}
	if !claims.HasSecurityProfile() {
		return errorir.New(errorir.KindMissingSecurityProfileClaim,
			"%s: token carries no security profile, %s required", c.LeftOperand, required)
	}
	if !claims.SecurityProfile.AtLeast(required) {
		return restricted(c.LeftOperand, "profile %s is weaker than %s", claims.SecurityProfile, required)
	}
	return nil
}

func (g *Gate) consume(ctx context.Context, operand contracts.LeftOperand, max int64, rc RequestContext) error {
	if rc.AgreementID == "" {
		return restricted(operand, "no agreement to count against")
	}
	if g.counter == nil {
		return errorir.New(errorir.KindInternal, "no usage counter configured")
	}
	n, granted, err := g.counter.IncrementIfBelow(ctx, rc.AgreementID, rc.Target, max)
	if err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "usage counter")
	}
	if !granted {
		return restricted(operand, "%s already accessed %d of %d times", rc.Target, n, max)
	}
	return nil
}

// RunDuties executes the LOG and NOTIFY post duties of a grant. Failures
// are logged; the access itself already happened.
func (g *Gate) RunDuties(ctx context.Context, grant *Grant) {
	if grant == nil {
		return
	}
	for _, rule := range grant.rules {
		g.runDuties(ctx, rule, grant.rc)
	}
}

func (g *Gate) runDuties(ctx context.Context, rule contracts.Rule, rc RequestContext) {
	for _, d := range rule.PostDuties {
		for _, a := range d.Actions {
			var err error
			switch a {
			case contracts.ActionLog:
				err = g.executor.Log(ctx, rule, rc)
			case contracts.ActionNotify:
				endpoint, eerr := policy.Endpoint(d)
				if eerr != nil {
					err = eerr
					break
				}
				err = g.executor.Notify(ctx, endpoint, rule, rc)
			default:
				continue
			}
			if err != nil {
				g.logger.WarnContext(ctx, "usage duty failed", "rule", rule.ID, "action", string(a), "error", err)
			}
		}
	}
}
