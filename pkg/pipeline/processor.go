// Package pipeline processes one inbound protocol message end to end.
//
// Every message runs through the same stages: envelope validation, claims
// verification, then the handler registered for its type. The handler runs
// inside a single transaction; any failure rolls back every mutation it made
// and is turned into exactly one rejection by the response builder.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/artifacts"
	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/envelope"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
	"github.com/Mindburn-Labs/dsconnector/pkg/identity"
	"github.com/Mindburn-Labs/dsconnector/pkg/infomodel"
	"github.com/Mindburn-Labs/dsconnector/pkg/negotiation"
	"github.com/Mindburn-Labs/dsconnector/pkg/observability"
	"github.com/Mindburn-Labs/dsconnector/pkg/policy"
	"github.com/Mindburn-Labs/dsconnector/pkg/resolver"
	"github.com/Mindburn-Labs/dsconnector/pkg/response"
	"github.com/Mindburn-Labs/dsconnector/pkg/store"
	"github.com/Mindburn-Labs/dsconnector/pkg/usagecontrol"
)

// DefaultVerifyTimeout bounds one claims verification.
const DefaultVerifyTimeout = 5 * time.Second

// Context is the transient state of one message. It lives until the
// response is built.
type Context struct {
	Header  *contracts.Envelope
	Payload io.Reader
	Claims  *identity.Claims

	Targets       policy.TargetRuleMap
	NegotiationID string

	// afterRollback runs once the message transaction has been undone.
	afterRollback []func(ctx context.Context)
	// afterCommit runs once the message transaction has been committed.
	afterCommit []func(ctx context.Context)
}

func (c *Context) issuer() string {
	if c.Header == nil {
		return ""
	}
	return c.Header.IssuerConnector
}

// onFailure registers fn to run after a failed message rolled back.
func (c *Context) onFailure(fn func(ctx context.Context)) {
	c.afterRollback = append(c.afterRollback, fn)
}

// onSuccess registers fn to run after the message committed.
func (c *Context) onSuccess(fn func(ctx context.Context)) {
	c.afterCommit = append(c.afterCommit, fn)
}

type handlerFunc func(p *Processor, ctx context.Context, pc *Context) (contracts.Response, error)

var handlers = [...]handlerFunc{
	contracts.MessageDescriptionRequest:    handleDescriptionRequest,
	contracts.MessageArtifactRequest:       handleArtifactRequest,
	contracts.MessageArtifactResponse:      handleUnsupported,
	contracts.MessageContractRequest:       handleContractRequest,
	contracts.MessageContractAgreement:     handleContractAgreement,
	contracts.MessageContractRejection:     handleUnsupported,
	contracts.MessageResourceUpdate:        handleResourceUpdate,
	contracts.MessageNotification:          handleNotification,
	contracts.MessageProcessedNotification: handleUnsupported,
	contracts.MessageRejection:             handleUnsupported,
	contracts.MessageDescriptionResponse:   handleUnsupported,
}

var (
	_ [len(handlers) - int(contracts.MessageTypeCount)]struct{}
	_ [int(contracts.MessageTypeCount) - len(handlers)]struct{}
)

// Components are the collaborators a Processor composes. Updater may be nil
// on a connector that does not mirror remote resources.
type Components struct {
	Envelope  *envelope.Validator
	Codec     codec.Deserializer
	Tx        store.TxManager
	Machine   *negotiation.Machine
	Gate      *usagecontrol.Gate
	Resolver  *resolver.Resolver
	Lookup    catalog.Lookup
	Updater   catalog.Updater
	Source    artifacts.DataSource
	Responses *response.Builder
}

func (c Components) validate() error {
	switch {
	case c.Envelope == nil:
		return fmt.Errorf("pipeline: envelope validator is required")
	case c.Codec == nil:
		return fmt.Errorf("pipeline: codec is required")
	case c.Tx == nil:
		return fmt.Errorf("pipeline: transaction manager is required")
	case c.Machine == nil:
		return fmt.Errorf("pipeline: negotiation machine is required")
	case c.Gate == nil:
		return fmt.Errorf("pipeline: usage control gate is required")
	case c.Resolver == nil || c.Lookup == nil:
		return fmt.Errorf("pipeline: resolver and lookup are required")
	case c.Source == nil:
		return fmt.Errorf("pipeline: data source is required")
	case c.Responses == nil:
		return fmt.Errorf("pipeline: response builder is required")
	}
	return nil
}

// Processor is safe for concurrent use; each call to Process owns its
// Context.
type Processor struct {
	Components

	verifier      identity.ClaimsVerifier
	requireToken  bool
	verifyTimeout time.Duration
	maxDepth      int
	self          infomodel.Connector
	obs           *observability.Provider
	logger        *slog.Logger
}

type Option func(*Processor)

// WithClaimsVerifier sets the token verifier. When required is true a
// message without a valid token is rejected as unauthenticated.
func WithClaimsVerifier(v identity.ClaimsVerifier, required bool) Option {
	return func(p *Processor) {
		p.verifier = v
		p.requireToken = required
	}
}

func WithVerifyTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.verifyTimeout = d
		}
	}
}

// WithMaxDepth bounds description responses for a requested element. A
// negative depth is unbounded.
func WithMaxDepth(depth int) Option {
	return func(p *Processor) { p.maxDepth = depth }
}

// WithSelfDescription sets the connector description answered to a
// description request without a requested element.
func WithSelfDescription(self infomodel.Connector) Option {
	return func(p *Processor) { p.self = self }
}

func WithObservability(o *observability.Provider) Option {
	return func(p *Processor) { p.obs = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func NewProcessor(c Components, opts ...Option) (*Processor, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	p := &Processor{
		Components:    c,
		verifyTimeout: DefaultVerifyTimeout,
		maxDepth:      -1,
		logger:        slog.Default().With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process handles msg and always yields a response: the handler's success
// message or the rejection matching the first failure.
func (p *Processor) Process(ctx context.Context, msg contracts.Message) contracts.Response {
	pc := &Context{Header: msg.Header, Payload: msg.Payload}

	typeName := "ids:UnknownMessage"
	if pc.Header != nil {
		typeName = pc.Header.Type.String()
	}
	ctx, finish := p.obs.TrackOperation(ctx, "dsc.process", observability.MessageOperation(typeName, pc.issuer())...)

	resp, err := p.process(ctx, pc)
	if err != nil {
		for _, fn := range pc.afterRollback {
			fn(ctx)
		}
		p.obs.RecordRejection(ctx, errorir.KindOf(err).Code(), observability.AttrMessageType.String(typeName))
		resp = p.Responses.Reject(ctx, pc.Header, err)
	} else {
		for _, fn := range pc.afterCommit {
			fn(ctx)
		}
	}
	finish(err)
	return resp
}

func (p *Processor) process(ctx context.Context, pc *Context) (resp contracts.Response, err error) {
	if err := p.Envelope.Validate(pc.Header); err != nil {
		return resp, err
	}
	if pc.Claims, err = p.verifyClaims(ctx, pc.Header); err != nil {
		return resp, err
	}

	t := pc.Header.Type
	if !t.Valid() {
		return resp, errorir.New(errorir.KindUnsupportedMessageType, "message %s has an unknown type", pc.Header.ID)
	}
	handle := handlers[t]

	err = p.Tx.Within(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.ErrorContext(ctx, "handler panicked", "type", t.String(), "panic", r, "stack", string(debug.Stack()))
				err = errorir.New(errorir.KindInternal, "handler for %s panicked: %v", t, r)
			}
		}()
		resp, err = handle(p, ctx, pc)
		return err
	})
	return resp, err
}

// verifyClaims returns nil claims when the message carries no token and
// none is required. A token that fails verification is only fatal when
// tokens are required.
func (p *Processor) verifyClaims(ctx context.Context, h *contracts.Envelope) (*identity.Claims, error) {
	if p.verifier == nil {
		if p.requireToken {
			return nil, errorir.New(errorir.KindInternal, "tokens are required but no verifier is configured")
		}
		return nil, nil
	}
	if h.SecurityToken == "" {
		if p.requireToken {
			return nil, errorir.New(errorir.KindUnauthenticated, "message %s carries no security token", h.ID)
		}
		return nil, nil
	}

	vctx, cancel := context.WithTimeout(ctx, p.verifyTimeout)
	defer cancel()
	claims, err := p.verifier.Verify(vctx, h.SecurityToken)
	if err == nil {
		return claims, nil
	}
	if p.requireToken {
		if errorir.Is(err, errorir.KindUnauthenticated) {
			return nil, err
		}
		return nil, errorir.Wrap(errorir.KindUnauthenticated, err, "verify token of "+h.IssuerConnector)
	}
	p.logger.WarnContext(ctx, "token verification failed, continuing without claims",
		"issuer", h.IssuerConnector, "error", err)
	return nil, nil
}
