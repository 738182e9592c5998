package testsupport

import (
	"path/filepath"
	"testing"

	"newshound/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Manifests.Dir = filepath.Join(base, "nzbs")
	cfg.Logging.Level = "error"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithServer points the config at a test NNTP server address.
func WithServer(host string, port int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Server.Host = host
		cfg.Server.Port = port
		cfg.Server.TLS = false
	}
}

// WithGroups overrides the configured scan groups.
func WithGroups(groups ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Scan.Groups = groups
	}
}

// WithLookback sets the initial-scan lookback window.
func WithLookback(lookback int64) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Scan.Lookback = lookback
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
