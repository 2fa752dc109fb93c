package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "dsconnector", c.ServiceName)
	assert.Equal(t, "localhost:4317", c.OTLPEndpoint)
	assert.Equal(t, 1.0, c.SampleRate)
	assert.False(t, c.Enabled)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx, finish := p.TrackOperation(context.Background(), "dsc.message", MessageOperation("ids:ContractRequestMessage", "https://consumer.example")...)
	require.NotNil(t, ctx)
	p.RecordRejection(ctx, "DSC/CONTRACT/MISSING_RULES")
	p.RecordAccess(ctx, true, AccessOperation("urn:agreement:1", "urn:artifact:1")...)
	p.RecordNegotiation(ctx, "CONFIRMED")
	finish(errors.New("rejected"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	_, finish := p.TrackOperation(context.Background(), "dsc.message")
	p.RecordRejection(context.Background(), "x")
	finish(nil)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo, "json").Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	l := NewLogger(&buf, slog.LevelWarn, "text")
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}
