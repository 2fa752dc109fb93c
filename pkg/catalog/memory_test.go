package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = `{
  "catalogs": [{"id": "urn:catalog:1", "title": "Main", "resources": ["urn:resource:1"]}],
  "resources": [{"id": "urn:resource:1", "title": "Weather", "representations": ["urn:rep:1"], "contracts": ["urn:contract:2", "urn:contract:1"]}],
  "representations": [{"id": "urn:rep:1", "mediaType": "text/csv", "artifacts": ["urn:artifact:1"]}],
  "artifacts": [{"id": "urn:artifact:1", "title": "weather.csv", "byteSize": 12}],
  "contracts": [{"id": "urn:contract:1", "rules": ["urn:rule:1"]}, {"id": "urn:contract:2"}],
  "rules": [{"id": "urn:rule:1", "value": "{}"}]
}`

func loadSeed(t *testing.T) *MemoryLookup {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))
	m, err := LoadFile(path)
	require.NoError(t, err)
	return m
}

func TestLoadFile(t *testing.T) {
	m := loadSeed(t)
	ctx := context.Background()

	cats, err := m.Catalogs(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "Main", cats[0].Title)

	e, err := m.Get(ctx, "urn:artifact:1")
	require.NoError(t, err)
	assert.Equal(t, KindArtifact, e.EntityKind())

	_, err = m.Get(ctx, "urn:missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestContractsFor(t *testing.T) {
	m := loadSeed(t)
	ctx := context.Background()

	viaArtifact, err := m.ContractsFor(ctx, "urn:artifact:1")
	require.NoError(t, err)
	require.Len(t, viaArtifact, 2)
	assert.Equal(t, "urn:contract:1", viaArtifact[0].ID)

	viaResource, err := m.ContractsFor(ctx, "urn:resource:1")
	require.NoError(t, err)
	assert.Len(t, viaResource, 2)

	_, err = m.ContractsFor(ctx, "urn:rep:1")
	assert.Error(t, err)

	_, err = m.ContractsFor(ctx, "urn:nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateResource(t *testing.T) {
	m := loadSeed(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateResource(ctx, &Resource{ID: "urn:resource:1", Title: "Weather v2"}))
	e, err := m.Get(ctx, "urn:resource:1")
	require.NoError(t, err)
	assert.Equal(t, "Weather v2", e.(*Resource).Title)

	err = m.UpdateResource(ctx, &Resource{ID: "urn:resource:9"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "representation", KindRepresentation.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
