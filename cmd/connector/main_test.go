package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dsconnector/pkg/api"
	"github.com/Mindburn-Labs/dsconnector/pkg/artifacts"
	"github.com/Mindburn-Labs/dsconnector/pkg/catalog"
	"github.com/Mindburn-Labs/dsconnector/pkg/client"
	"github.com/Mindburn-Labs/dsconnector/pkg/codec"
	"github.com/Mindburn-Labs/dsconnector/pkg/config"
	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
	"github.com/Mindburn-Labs/dsconnector/pkg/response"
)

func TestRun_Dispatch(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { called++; return 0 }
	t.Cleanup(func() { startServer = orig })

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"connector"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"connector", "serve"}, &out, &errOut))
	assert.Equal(t, 2, called)

	out.Reset()
	assert.Equal(t, 0, Run([]string{"connector", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), "dsconnector")

	out.Reset()
	assert.Equal(t, 0, Run([]string{"connector", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "USAGE")

	errOut.Reset()
	assert.Equal(t, 2, Run([]string{"connector", "frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
}

func TestRunHealthCmd(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	t.Cleanup(up.Close)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"connector", "health", "--url", up.URL}, &out, &errOut))
	assert.Equal(t, 1, Run([]string{"connector", "health", "--url", down.URL}, &out, &errOut))
	assert.Contains(t, errOut.String(), "status 503")
	assert.Equal(t, 2, Run([]string{"connector", "health", "--bogus"}, &out, &errOut))
}

func TestLoadOrGenerateSeed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "keys", "seed.hex")

	first, err := loadOrGenerateSeed(path, logger)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	again, err := loadOrGenerateSeed(path, logger)
	require.NoError(t, err)
	assert.Equal(t, first, again, "the seed must survive a restart")

	require.NoError(t, os.WriteFile(path, []byte("not hex"), 0o600))
	_, err = loadOrGenerateSeed(path, logger)
	assert.Error(t, err)

	ephemeral, err := loadOrGenerateSeed("", logger)
	require.NoError(t, err)
	assert.Len(t, ephemeral, 32)
}

const (
	providerID   = "https://provider.example"
	consumerID   = "https://consumer.example"
	e2eArtifact  = "https://provider.example/artifacts/1"
	e2eResource  = "https://provider.example/resources/1"
	e2eOfferRule = "https://provider.example/rules/1"
)

func usageRule(bound string) contracts.Rule {
	return contracts.Rule{
		ID:      "urn:rule:count",
		Kind:    contracts.RulePermission,
		Target:  e2eArtifact,
		Actions: []contracts.Action{contracts.ActionUse},
		Constraints: []contracts.Constraint{{
			LeftOperand:  contracts.OperandCount,
			Operator:     contracts.OpLTEQ,
			RightOperand: contracts.RightOperand{Value: bound, Type: contracts.TypeInteger},
		}},
	}
}

// writeCatalog seeds the artifact store under dataDir and writes a catalog
// snapshot offering one artifact usable three times.
func writeCatalog(t *testing.T, dataDir string, data []byte) string {
	t.Helper()
	blobs, err := artifacts.NewFileStore(filepath.Join(dataDir, "artifacts"))
	require.NoError(t, err)
	ref, err := blobs.Put(context.Background(), data)
	require.NoError(t, err)
	rule, err := codec.Serialize(usageRule("3"))
	require.NoError(t, err)

	now := time.Now().UTC()
	snap := catalog.Snapshot{
		Catalogs:        []*catalog.Catalog{{ID: providerID + "/catalogs/1", Title: "Weather", Resources: []string{e2eResource}}},
		Resources:       []*catalog.Resource{{ID: e2eResource, Title: "Station readings", Representations: []string{providerID + "/representations/1"}, Contracts: []string{providerID + "/contracts/1"}}},
		Representations: []*catalog.Representation{{ID: providerID + "/representations/1", MediaType: "text/csv", Artifacts: []string{e2eArtifact}}},
		Artifacts:       []*catalog.Artifact{{ID: e2eArtifact, Title: "readings.csv", ByteSize: int64(len(data)), DataRef: ref, Created: now.Add(-time.Hour)}},
		Contracts:       []*catalog.Contract{{ID: providerID + "/contracts/1", End: now.Add(30 * 24 * time.Hour), Rules: []string{e2eOfferRule}}},
		Rules:           []*catalog.ContractRule{{ID: e2eOfferRule, Value: rule}},
	}
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	path := filepath.Join(dataDir, "catalog.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	cfg.ConnectorID = providerID
	cfg.BaseURI = providerID
	cfg.Store.DatabaseURL = ""
	cfg.Store.SQLitePath = filepath.Join(dataDir, "connector.db")
	cfg.Store.RedisAddr = ""
	cfg.Artifacts = artifacts.Config{Backend: artifacts.BackendFS, DataDir: dataDir}
	cfg.KeySeedPath = filepath.Join(dataDir, "seed.hex")
	cfg.HTTP.RateLimit = 0
	cfg.Observability.Enabled = false
	return cfg
}

func TestConnector_EndToEnd(t *testing.T) {
	dataDir := t.TempDir()
	data := []byte("temperature,humidity\n21.5,40\n")
	cfg := testConfig(t, dataDir)
	cfg.CatalogFile = writeCatalog(t, dataDir, data)
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := newConnector(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })

	srv := httptest.NewServer(conn.handler)
	t.Cleanup(srv.Close)
	endpoint := srv.URL + api.DataPath

	dec, err := codec.NewJSONCodec()
	require.NoError(t, err)
	consumer := client.New(consumerID, dec, client.WithLogger(logger))
	ctx := context.Background()

	self, err := consumer.Describe(ctx, endpoint, "")
	require.NoError(t, err)
	assert.Contains(t, self, providerID+"/catalogs/1")

	agreement, err := consumer.RequestContract(ctx, endpoint, &contracts.ContractRequest{
		ID:    "urn:request:e2e",
		Rules: []contracts.Rule{usageRule("3")},
	})
	require.NoError(t, err)
	assert.Equal(t, consumerID, agreement.Consumer)
	assert.Equal(t, providerID, agreement.Provider)
	assert.NotEmpty(t, agreement.Signature)

	_, err = consumer.RequestArtifact(ctx, endpoint, e2eArtifact, agreement.ID, nil)
	var rej *client.RejectedError
	require.ErrorAs(t, err, &rej, "unconfirmed agreements grant nothing")

	require.NoError(t, consumer.ConfirmAgreement(ctx, endpoint, agreement))

	for i := 0; i < 3; i++ {
		got, err := consumer.RequestArtifact(ctx, endpoint, e2eArtifact, agreement.ID, nil)
		require.NoError(t, err, "access %d", i+1)
		assert.Equal(t, data, got)
	}

	_, err = consumer.RequestArtifact(ctx, endpoint, e2eArtifact, agreement.ID, nil)
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, string(response.ReasonNotAuthorized), rej.Reason)
	assert.True(t, strings.HasPrefix(rej.Body, "Policy restriction detected."), rej.Body)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnector_StartupErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("missing catalog", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.CatalogFile = filepath.Join(t.TempDir(), "absent.json")
		_, err := newConnector(context.Background(), cfg, logger)
		assert.Error(t, err)
	})

	t.Run("bad acceptance expression", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Policy.Acceptance = config.AcceptanceCEL
		cfg.Policy.AcceptanceExpr = "issuer =="
		_, err := newConnector(context.Background(), cfg, logger)
		assert.Error(t, err)
	})

	t.Run("bad trusted key", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.Identity.TrustedKeys = map[string]string{"k1": "zz"}
		_, err := newConnector(context.Background(), cfg, logger)
		assert.Error(t, err)
	})
}
