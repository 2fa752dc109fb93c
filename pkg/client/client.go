// Package client sends protocol messages to a remote connector over the
// multipart transport served by pkg/api.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dsconnector/pkg/api"
	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/infomodel"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultModelVersion = "4.0.0"
)

// TokenSource returns the security token attached to outbound headers.
type TokenSource func(ctx context.Context) (string, error)

// RejectedError is returned by the helpers that expect success when the
// remote connector answered with a rejection.
type RejectedError struct {
	Type   contracts.MessageType
	Reason string
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Reason, e.Body)
}

// Client builds headers for this connector and exchanges messages with
// remote ones.
type Client struct {
	http         *http.Client
	decoder      api.EnvelopeDecoder
	connectorID  string
	modelVersion string
	tokens       TokenSource
	maxBody      int64
	now          func() time.Time
	logger       *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d}
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(cl *Client) { cl.tokens = ts }
}

func WithModelVersion(v string) Option {
	return func(cl *Client) { cl.modelVersion = v }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New returns a client issuing messages as connectorID.
func New(connectorID string, dec api.EnvelopeDecoder, opts ...Option) *Client {
	c := &Client{
		http:         &http.Client{Timeout: defaultTimeout},
		decoder:      dec,
		connectorID:  connectorID,
		modelVersion: defaultModelVersion,
		maxBody:      api.DefaultMaxBodyBytes,
		now:          time.Now,
		logger:       slog.Default().With("component", "client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Header returns a fresh header of type t addressed to recipient.
func (c *Client) Header(ctx context.Context, t contracts.MessageType, recipient string) (*contracts.Envelope, error) {
	h := &contracts.Envelope{
		ID:              "urn:message:" + uuid.NewString(),
		Type:            t,
		IssuerConnector: c.connectorID,
		Issued:          c.now().UTC(),
		ModelVersion:    c.modelVersion,
	}
	if recipient != "" {
		h.RecipientConnectors = []string{recipient}
	}
	if c.tokens != nil {
		tok, err := c.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("security token: %w", err)
		}
		h.SecurityToken = tok
	}
	return h, nil
}

// Send posts header and payload to endpoint and decodes the answer. An
// empty payload omits the payload part. Transport failures, including
// problem responses, are returned as errors; protocol rejections are not.
func (c *Client) Send(ctx context.Context, endpoint string, header *contracts.Envelope, payload string) (*contracts.Response, error) {
	serialized, err := codec.Serialize(header)
	if err != nil {
		return nil, err
	}
	buf, contentType, err := api.EncodeParts(api.Parts{Header: serialized, Payload: []byte(payload), HasPayload: payload != ""})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", header.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, problemFrom(resp)
	}
	parts, err := api.ReadParts(resp.Body, resp.Header.Get("Content-Type"), c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	h, err := c.decoder.Envelope(parts.Header)
	if err != nil {
		return nil, fmt.Errorf("response header: %w", err)
	}
	c.logger.DebugContext(ctx, "message exchanged",
		"type", header.Type.String(), "answer", h.Type.String(), "endpoint", endpoint, "duration", time.Since(start))
	return &contracts.Response{Header: h, Body: string(parts.Payload)}, nil
}

func problemFrom(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var p api.ProblemDetail
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/problem+json") && json.Unmarshal(body, &p) == nil {
		return &p
	}
	return fmt.Errorf("remote connector answered %s", resp.Status)
}

func (c *Client) exchange(ctx context.Context, endpoint string, h *contracts.Envelope, payload string, want contracts.MessageType) (*contracts.Response, error) {
	resp, err := c.Send(ctx, endpoint, h, payload)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type != want {
		return resp, &RejectedError{Type: resp.Header.Type, Reason: resp.Header.RejectionReason, Body: resp.Body}
	}
	return resp, nil
}

// Describe asks for the self-description, or for element when set.
func (c *Client) Describe(ctx context.Context, endpoint, element string) (string, error) {
	h, err := c.Header(ctx, contracts.MessageDescriptionRequest, endpoint)
	if err != nil {
		return "", err
	}
	h.RequestedElement = element
	resp, err := c.exchange(ctx, endpoint, h, "", contracts.MessageDescriptionResponse)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// RequestContract proposes req and returns the agreement the provider
// signed.
func (c *Client) RequestContract(ctx context.Context, endpoint string, req *contracts.ContractRequest) (*contracts.ContractAgreement, error) {
	body, err := codec.Serialize(req)
	if err != nil {
		return nil, err
	}
	h, err := c.Header(ctx, contracts.MessageContractRequest, endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := c.exchange(ctx, endpoint, h, body, contracts.MessageContractAgreement)
	if err != nil {
		return nil, err
	}
	var a contracts.ContractAgreement
	if err := json.Unmarshal([]byte(resp.Body), &a); err != nil {
		return nil, fmt.Errorf("agreement: %w", err)
	}
	return &a, nil
}

// ConfirmAgreement echoes a received agreement back to its provider.
func (c *Client) ConfirmAgreement(ctx context.Context, endpoint string, a *contracts.ContractAgreement) error {
	body, err := codec.Serialize(a)
	if err != nil {
		return err
	}
	h, err := c.Header(ctx, contracts.MessageContractAgreement, endpoint)
	if err != nil {
		return err
	}
	h.TransferContract = a.ID
	_, err = c.exchange(ctx, endpoint, h, body, contracts.MessageProcessedNotification)
	return err
}

// RequestArtifact fetches the bytes of artifactID under agreementID. q is
// optional.
func (c *Client) RequestArtifact(ctx context.Context, endpoint, artifactID, agreementID string, q *contracts.QueryInput) ([]byte, error) {
	var body string
	if q != nil {
		var err error
		if body, err = codec.Serialize(q); err != nil {
			return nil, err
		}
	}
	h, err := c.Header(ctx, contracts.MessageArtifactRequest, endpoint)
	if err != nil {
		return nil, err
	}
	h.RequestedArtifact = artifactID
	h.TransferContract = agreementID
	resp, err := c.exchange(ctx, endpoint, h, body, contracts.MessageArtifactResponse)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("artifact body: %w", err)
	}
	return data, nil
}

// UpdateResource pushes a changed resource description to endpoint.
func (c *Client) UpdateResource(ctx context.Context, endpoint string, r *infomodel.Resource) error {
	body, err := codec.Serialize(r)
	if err != nil {
		return err
	}
	h, err := c.Header(ctx, contracts.MessageResourceUpdate, endpoint)
	if err != nil {
		return err
	}
	h.AffectedResource = r.ID
	_, err = c.exchange(ctx, endpoint, h, body, contracts.MessageProcessedNotification)
	return err
}

// Notify sends a notification carrying body. Its signature matches
// usagecontrol.NotifyFunc so it can deliver NOTIFY duties.
func (c *Client) Notify(ctx context.Context, endpoint, body string) error {
	h, err := c.Header(ctx, contracts.MessageNotification, endpoint)
	if err != nil {
		return err
	}
	_, err = c.exchange(ctx, endpoint, h, body, contracts.MessageProcessedNotification)
	return err
}
