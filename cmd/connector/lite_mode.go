package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/dsconnector/pkg/config"
	"github.com/Mindburn-Labs/dsconnector/pkg/store"
)

// openStore connects to Postgres when DATABASE_URL is set and falls back
// to SQLite (lite mode) otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQLStore, error) {
	if !cfg.Lite() {
		st, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "postgres: connected")
		return st, nil
	}

	path := cfg.Store.SQLitePath
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	logger.InfoContext(ctx, "lite mode: using sqlite", "path", path)
	return store.OpenSQLite(path)
}

// loadOrGenerateSeed returns the agreement signing seed stored hex-encoded
// at path, creating one on first start. An empty path yields an ephemeral
// seed, so signatures do not survive a restart.
func loadOrGenerateSeed(path string, logger *slog.Logger) ([]byte, error) {
	if path == "" {
		logger.Warn("no key seed path configured, agreement signatures use an ephemeral key")
		return randomSeed()
	}

	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid key seed %s: %w", path, err)
		}
		logger.Info("trust: loaded persistent key seed", "path", path)
		return seed, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read key seed: %w", err)
	}

	if os.Getenv("CONNECTOR_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires %s to exist", path)
	}
	seed, err := randomSeed()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key seed: %w", err)
	}
	logger.Warn("trust: generated new key seed", "path", path)
	return seed, nil
}

func randomSeed() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}
