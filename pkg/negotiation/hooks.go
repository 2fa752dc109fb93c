package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/Mindburn-Labs/dsconnector/pkg/celeval"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
)

// AcceptanceInput is what an acceptance hook decides on.
type AcceptanceInput struct {
	RequestID string
	Issuer    string
	Targets   []string
	Rules     []contracts.Rule
	Claims    *identity.Claims
}

func (in AcceptanceInput) document() (map[string]any, error) {
	rules, err := celeval.Document(in.Rules)
	if err != nil {
		return nil, err
	}
	claims, err := celeval.Document(in.Claims)
	if err != nil {
		return nil, err
	}
	targets := make([]any, len(in.Targets))
	for i, t := range in.Targets {
		targets[i] = t
	}
	return map[string]any{
		"id":      in.RequestID,
		"issuer":  in.Issuer,
		"targets": targets,
		"rules":   rules,
		"claims":  claims,
	}, nil
}

// AcceptanceHook can veto a structurally valid request. Its decision is
// final.
type AcceptanceHook interface {
	Accept(ctx context.Context, in AcceptanceInput) (bool, error)
}

// AcceptAll approves every request.
type AcceptAll struct{}

func (AcceptAll) Accept(context.Context, AcceptanceInput) (bool, error) { return true, nil }

// CELHook approves a request when expr evaluates true. The request document
// is bound to "request", the issuer to "issuer" and the claims to "claims".
type CELHook struct {
	eval *celeval.Evaluator
	expr string
}

func NewCELHook(eval *celeval.Evaluator, expr string) (*CELHook, error) {
	if err := eval.Compile(expr); err != nil {
		return nil, fmt.Errorf("acceptance expression: %w", err)
	}
	return &CELHook{eval: eval, expr: expr}, nil
}

func (h *CELHook) Accept(ctx context.Context, in AcceptanceInput) (bool, error) {
	doc, err := in.document()
	if err != nil {
		return false, err
	}
	return h.eval.Eval(ctx, h.expr, celeval.Input{
		Request: doc,
		Claims:  doc["claims"],
		Issuer:  in.Issuer,
		Now:     time.Now().Unix(),
	})
}

// DefaultRegoQuery is evaluated when no query is configured.
const DefaultRegoQuery = "data.dsconnector.acceptance.allow"

// RegoHook approves a request when the Rego query yields true for the
// request document as input.
type RegoHook struct {
	query rego.PreparedEvalQuery
}

// NewRegoHook prepares query against an inline module.
func NewRegoHook(ctx context.Context, module, query string) (*RegoHook, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	r := rego.New(
		rego.Query(query),
		rego.Module("acceptance.rego", module),
		rego.StrictBuiltinErrors(true),
	)
	return prepareRego(ctx, r)
}

// NewRegoHookFromPath prepares query against the policies under path.
func NewRegoHookFromPath(ctx context.Context, path, query string) (*RegoHook, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	r := rego.New(
		rego.Query(query),
		rego.Load([]string{path}, nil),
		rego.StrictBuiltinErrors(true),
	)
	return prepareRego(ctx, r)
}

func prepareRego(ctx context.Context, r *rego.Rego) (*RegoHook, error) {
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("acceptance policy: %w", err)
	}
	return &RegoHook{query: prepared}, nil
}

func (h *RegoHook) Accept(ctx context.Context, in AcceptanceInput) (bool, error) {
	doc, err := in.document()
	if err != nil {
		return false, err
	}
	results, err := h.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// Undefined: the policy did not allow.
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("acceptance policy result is %T, want bool", results[0].Expressions[0].Value)
	}
	return allowed, nil
}
