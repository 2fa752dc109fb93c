package response

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newBuilder(buf *bytes.Buffer) *Builder {
	return NewBuilder("https://provider.example", "4.2.0",
		WithClock(func() time.Time { return now }),
		WithLogger(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	)
}

var request = &contracts.Envelope{
	ID:              "urn:message:req-1",
	Type:            contracts.MessageContractRequest,
	IssuerConnector: "https://consumer.example",
}

func TestRejections_EveryKindHasAMessage(t *testing.T) {
	for k := errorir.Kind(0); k < errorir.KindCount; k++ {
		r := RejectionFor(k)
		assert.NotEmpty(t, r.Message, k.Code())
		assert.NotEmpty(t, r.Reason, k.Code())
		assert.True(t, r.Variant == contracts.MessageRejection || r.Variant == contracts.MessageContractRejection)
	}
	assert.Equal(t, RejectionFor(errorir.KindInternal), RejectionFor(errorir.Kind(999)))
}

func TestKindToResponse(t *testing.T) {
	h := KindToResponse(errorir.KindContractRejected, "urn:message:req-1")
	assert.Equal(t, contracts.MessageContractRejection, h.Type)
	assert.Equal(t, "urn:message:req-1", h.CorrelationMessage)

	h = KindToResponse(errorir.KindVersionNotSupported, "urn:message:req-2")
	assert.Equal(t, contracts.MessageRejection, h.Type)
	assert.Equal(t, string(ReasonVersionNotSupported), h.RejectionReason)
}

func TestBuilder_Reject(t *testing.T) {
	var logs bytes.Buffer
	b := newBuilder(&logs)
	ctx := context.Background()

	resp := b.Reject(ctx, request, errorir.New(errorir.KindPolicyRestriction, "idsc:COUNT: access limit of 3 reached"))
	require.True(t, resp.Rejected())
	assert.Equal(t, request.ID, resp.Header.CorrelationMessage)
	assert.Equal(t, []string{request.IssuerConnector}, resp.Header.RecipientConnectors)
	assert.Equal(t, "https://provider.example", resp.Header.IssuerConnector)
	assert.Equal(t, now, resp.Header.Issued)
	assert.Equal(t, "Policy restriction detected. idsc:COUNT: access limit of 3 reached", resp.Body)
	assert.Contains(t, logs.String(), "level=WARN")

	logs.Reset()
	resp = b.Reject(ctx, request, errors.New("nil pointer somewhere"))
	assert.Equal(t, "Internal processing failed.", resp.Body, "internal detail is not leaked")
	assert.Equal(t, string(ReasonInternalRecipientError), resp.Header.RejectionReason)
	assert.Contains(t, logs.String(), "level=ERROR")

	resp = b.Reject(ctx, nil, errorir.New(errorir.KindMessageEmpty, "no header"))
	assert.Empty(t, resp.Header.CorrelationMessage)
	assert.Equal(t, contracts.MessageRejection, resp.Header.Type)
}

func TestBuilder_SuccessCarriesToken(t *testing.T) {
	var logs bytes.Buffer
	b := newBuilder(&logs)
	b.tokens = func(context.Context) (string, error) { return "tok", nil }

	resp := b.Success(context.Background(), request, contracts.MessageContractAgreement, "{}")
	assert.False(t, resp.Rejected())
	assert.Equal(t, contracts.MessageContractAgreement, resp.Header.Type)
	assert.Equal(t, "tok", resp.Header.SecurityToken)
	assert.Equal(t, "4.2.0", resp.Header.ModelVersion)
	assert.NotEmpty(t, resp.Header.ID)

	p := b.Processed(context.Background(), request, "Message received.")
	assert.Equal(t, contracts.MessageProcessedNotification, p.Header.Type)
	assert.Equal(t, "Message received.", p.Body)
}
