// Package response turns pipeline outcomes into outgoing messages. Every
// failure kind maps to exactly one rejection variant; the mapping is a
// table checked for completeness at compile time.
package response

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

// Reason is the machine-readable rejection reason.
type Reason string

const (
	ReasonBadParameters           Reason = "idsc:BAD_PARAMETERS"
	ReasonInternalRecipientError  Reason = "idsc:INTERNAL_RECIPIENT_ERROR"
	ReasonMalformedMessage        Reason = "idsc:MALFORMED_MESSAGE"
	ReasonMessageTypeNotSupported Reason = "idsc:MESSAGE_TYPE_NOT_SUPPORTED"
	ReasonNotAuthenticated        Reason = "idsc:NOT_AUTHENTICATED"
	ReasonNotAuthorized           Reason = "idsc:NOT_AUTHORIZED"
	ReasonNotFound                Reason = "idsc:NOT_FOUND"
	ReasonVersionNotSupported     Reason = "idsc:VERSION_NOT_SUPPORTED"
)

// Rejection describes how one failure kind is reported.
type Rejection struct {
	Variant contracts.MessageType
	Reason  Reason
	Message string
	// WithDetail appends the failure detail to Message.
	WithDetail bool
}

var rejections = [...]Rejection{
	errorir.KindInternal:                    {contracts.MessageRejection, ReasonInternalRecipientError, "Internal processing failed.", false},
	errorir.KindVersionNotSupported:         {contracts.MessageRejection, ReasonVersionNotSupported, "Information model version not supported.", true},
	errorir.KindMessageEmpty:                {contracts.MessageRejection, ReasonMalformedMessage, "Missing message header.", false},
	errorir.KindUnauthenticated:             {contracts.MessageRejection, ReasonNotAuthenticated, "Security token could not be verified.", false},
	errorir.KindUnsupportedMessageType:      {contracts.MessageRejection, ReasonMessageTypeNotSupported, "Message type not supported.", true},
	errorir.KindMissingRules:                {contracts.MessageRejection, ReasonBadParameters, "Missing rules in contract request.", false},
	errorir.KindMissingTargetInRule:         {contracts.MessageRejection, ReasonBadParameters, "Missing targets in rules of contract request.", false},
	errorir.KindMalformedRule:               {contracts.MessageRejection, ReasonBadParameters, "Malformed rule in contract request.", true},
	errorir.KindContractListEmpty:           {contracts.MessageRejection, ReasonNotFound, "Could not find any matching contract offers for your request.", false},
	errorir.KindContractRejected:            {contracts.MessageContractRejection, ReasonBadParameters, "Contract request was rejected.", true},
	errorir.KindContractException:           {contracts.MessageRejection, ReasonBadParameters, "Contract agreement could not be processed.", true},
	errorir.KindUnconfirmedAgreement:        {contracts.MessageRejection, ReasonNotAuthorized, "Contract agreement is not confirmed.", true},
	errorir.KindResourceNotFound:            {contracts.MessageRejection, ReasonNotFound, "The requested element could not be found.", true},
	errorir.KindPolicyRestriction:           {contracts.MessageRejection, ReasonNotAuthorized, "Policy restriction detected.", true},
	errorir.KindMissingSecurityProfileClaim: {contracts.MessageRejection, ReasonNotAuthorized, "The token of the issuer connector is missing the security profile attribute.", false},
	errorir.KindNoRequestedArtifact:         {contracts.MessageRejection, ReasonBadParameters, "Missing requested artifact.", false},
	errorir.KindNoTransferContract:          {contracts.MessageRejection, ReasonBadParameters, "Missing transfer contract.", false},
	errorir.KindNoAffectedResource:          {contracts.MessageRejection, ReasonBadParameters, "Missing affected resource.", false},
	errorir.KindInvalidAffectedResource:     {contracts.MessageRejection, ReasonBadParameters, "Affected resource does not match the payload.", false},
	errorir.KindDeserialization:             {contracts.MessageRejection, ReasonBadParameters, "Malformed message payload.", false},
	errorir.KindMissingPayload:              {contracts.MessageRejection, ReasonBadParameters, "Missing message payload.", false},
	errorir.KindInvalidInput:                {contracts.MessageRejection, ReasonBadParameters, "Invalid input, processing failed.", false},
	errorir.KindDataRetrieval:               {contracts.MessageRejection, ReasonInternalRecipientError, "Could not retrieve data.", false},
}

var (
	_ [len(rejections) - int(errorir.KindCount)]struct{}
	_ [int(errorir.KindCount) - len(rejections)]struct{}
)

// RejectionFor returns the table entry of kind.
func RejectionFor(kind errorir.Kind) Rejection {
	if kind < 0 || kind >= errorir.KindCount {
		kind = errorir.KindInternal
	}
	return rejections[kind]
}

// KindToResponse returns the rejection header for kind, correlated to
// correlationID. Identity, time and version are left for the Builder.
func KindToResponse(kind errorir.Kind, correlationID string) *contracts.Envelope {
	r := RejectionFor(kind)
	return &contracts.Envelope{
		Type:               r.Variant,
		CorrelationMessage: correlationID,
		RejectionReason:    string(r.Reason),
	}
}

// TokenSource supplies this connector's own security token.
type TokenSource func(ctx context.Context) (string, error)

// Builder stamps outgoing headers with this connector's identity.
type Builder struct {
	connectorID  string
	modelVersion string
	tokens       TokenSource
	clock        func() time.Time
	newID        func() string
	logger       *slog.Logger
}

type Option func(*Builder)

func WithTokenSource(ts TokenSource) Option {
	return func(b *Builder) { b.tokens = ts }
}

func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

func NewBuilder(connectorID, modelVersion string, opts ...Option) *Builder {
	b := &Builder{
		connectorID:  connectorID,
		modelVersion: modelVersion,
		clock:        time.Now,
		newID:        func() string { return "urn:message:" + uuid.NewString() },
		logger:       slog.Default().With("component", "response"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) stamp(ctx context.Context, h *contracts.Envelope, req *contracts.Envelope) *contracts.Envelope {
	h.ID = b.newID()
	h.IssuerConnector = b.connectorID
	h.SenderAgent = b.connectorID
	h.Issued = b.clock().UTC()
	h.ModelVersion = b.modelVersion
	if req != nil {
		h.CorrelationMessage = req.ID
		if req.IssuerConnector != "" {
			h.RecipientConnectors = []string{req.IssuerConnector}
		}
	}
	if b.tokens != nil {
		tok, err := b.tokens(ctx)
		if err != nil {
			b.logger.WarnContext(ctx, "could not attach security token", "error", err)
		}
		h.SecurityToken = tok
	}
	return h
}

// Success answers req with a message of type t.
func (b *Builder) Success(ctx context.Context, req *contracts.Envelope, t contracts.MessageType, body string) contracts.Response {
	h := b.stamp(ctx, &contracts.Envelope{Type: t}, req)
	return contracts.Response{Header: h, Body: body}
}

// Processed answers req with a processed notification carrying text.
func (b *Builder) Processed(ctx context.Context, req *contracts.Envelope, text string) contracts.Response {
	return b.Success(ctx, req, contracts.MessageProcessedNotification, text)
}

// Reject answers req with the rejection variant of err's kind. Named kinds
// are logged at WARN, internal failures at ERROR.
func (b *Builder) Reject(ctx context.Context, req *contracts.Envelope, err error) contracts.Response {
	kind := errorir.KindOf(err)
	r := RejectionFor(kind)

	attrs := []any{"kind", kind.Code(), "error", err}
	if req != nil {
		attrs = append(attrs, "message", req.ID, "issuer", req.IssuerConnector, "type", req.Type.String())
	}
	if kind == errorir.KindInternal {
		b.logger.ErrorContext(ctx, "message processing failed", attrs...)
	} else {
		b.logger.WarnContext(ctx, "message rejected", attrs...)
	}

	body := r.Message
	if r.WithDetail {
		if d := errorir.DetailOf(err); d != "" {
			body += " " + d
		}
	}
	correlation := ""
	if req != nil {
		correlation = req.ID
	}
	return contracts.Response{Header: b.stamp(ctx, KindToResponse(kind, correlation), req), Body: body}
}
