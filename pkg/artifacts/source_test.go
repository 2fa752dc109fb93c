package artifacts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/errorir"
)

func TestSource_FromStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ref, err := s.Put(context.Background(), []byte("payload"))
	require.NoError(t, err)

	src := NewSource(s)
	rc, err := src.Fetch(context.Background(), &catalog.Artifact{ID: "urn:artifact:1", DataRef: ref}, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", readAll(t, rc))

	_, err = src.Fetch(context.Background(), &catalog.Artifact{ID: "urn:artifact:2", DataRef: Ref([]byte("gone"))}, nil)
	assert.True(t, errorir.Is(err, errorir.KindDataRetrieval))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = src.Fetch(context.Background(), &catalog.Artifact{ID: "urn:artifact:3"}, nil)
	assert.True(t, errorir.Is(err, errorir.KindDataRetrieval))
}

func TestSource_Remote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stations/berlin" || r.URL.Query().Get("limit") != "10" || r.Header.Get("X-Api-Key") != "k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("remote bytes"))
	}))
	defer srv.Close()

	a := &catalog.Artifact{ID: "urn:artifact:remote", Additional: map[string]string{AccessURLKey: srv.URL + "/stations/{station}"}}
	src := NewSource(nil, WithHTTPClient(srv.Client()))

	rc, err := src.Fetch(context.Background(), a, &contracts.QueryInput{
		Params:   map[string]string{"limit": "10"},
		Headers:  map[string]string{"X-Api-Key": "k"},
		PathVars: map[string]string{"station": "berlin"},
	})
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", readAll(t, rc))

	_, err = src.Fetch(context.Background(), a, nil)
	assert.True(t, errorir.Is(err, errorir.KindDataRetrieval))
}

func TestSource_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := &catalog.Artifact{ID: "urn:artifact:slow", Additional: map[string]string{AccessURLKey: srv.URL}}
	src := NewSource(nil, WithHTTPClient(srv.Client()), WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := src.Fetch(context.Background(), a, nil)
	assert.True(t, errorir.Is(err, errorir.KindDataRetrieval))
	assert.Less(t, time.Since(start), 5*time.Second)
}
