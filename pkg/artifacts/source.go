package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

// AccessURLKey is the artifact extension naming a remote data location.
const AccessURLKey = "accessUrl"

// DefaultTimeout bounds one fetch when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// DataSource returns the bytes of an artifact.
type DataSource interface {
	Fetch(ctx context.Context, a *catalog.Artifact, q *contracts.QueryInput) (io.ReadCloser, error)
}

// Source serves artifacts from the blob store, or from their access URL
// when they carry one and no stored data. Every failure is reported as
// KindDataRetrieval. Nothing is retried.
type Source struct {
	store   Store
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

type SourceOption func(*Source)

func WithTimeout(d time.Duration) SourceOption {
	return func(s *Source) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) SourceOption {
	return func(s *Source) { s.client = c }
}

func WithSourceLogger(l *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = l }
}

func NewSource(store Store, opts ...SourceOption) *Source {
	s := &Source{
		store:   store,
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "artifacts"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cancelOnClose releases the fetch deadline once the caller is done reading.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func (s *Source) Fetch(ctx context.Context, a *catalog.Artifact, q *contracts.QueryInput) (io.ReadCloser, error) {
	if a == nil {
		return nil, errorir.New(errorir.KindDataRetrieval, "no artifact to fetch")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)

	var (
		body io.ReadCloser
		err  error
	)
	switch {
	case a.DataRef != "" && s.store != nil:
		body, err = s.store.Open(ctx, a.DataRef)
	case a.Additional[AccessURLKey] != "":
		body, err = s.remote(ctx, a.Additional[AccessURLKey], q)
	default:
		err = errors.New("artifact has no stored data and no access url")
	}
	if err != nil {
		cancel()
		s.logger.WarnContext(ctx, "artifact fetch failed", "artifact", a.ID, "error", err)
		return nil, errorir.Wrap(errorir.KindDataRetrieval, err, "fetch "+a.ID)
	}
	return &cancelOnClose{ReadCloser: body, cancel: cancel}, nil
}

// remote issues a GET against rawURL with the query's path variables,
// parameters and headers applied.
func (s *Source) remote(ctx context.Context, rawURL string, q *contracts.QueryInput) (io.ReadCloser, error) {
	if q != nil {
		for k, v := range q.PathVars {
			rawURL = strings.ReplaceAll(rawURL, "{"+k+"}", url.PathEscape(v))
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("access url: %w", err)
	}
	if q != nil && len(q.Params) > 0 {
		values := u.Query()
		for k, v := range q.Params {
			values.Set(k, v)
		}
		u.RawQuery = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if q != nil {
		for k, v := range q.Headers {
			req.Header.Set(k, v)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("access url answered %s", resp.Status)
	}
	return resp.Body, nil
}
