package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server describes the upstream NNTP server connection.
type Server struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	TLS            bool   `toml:"tls"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Scan controls newsgroup selection and scan cadence.
type Scan struct {
	Lookback        int64    `toml:"lookback"`
	Groups          []string `toml:"groups"`
	IntervalSeconds int      `toml:"interval_seconds"`
	ProgressSeconds int      `toml:"progress_seconds"`
}

// Ingest controls header batching during a scan.
type Ingest struct {
	BatchSize    int     `toml:"batch_size"`
	FlushSeconds float64 `toml:"flush_seconds"`
}

// Events controls event log polling for worker loops.
type Events struct {
	PollSeconds float64 `toml:"poll_seconds"`
	ReadLimit   int     `toml:"read_limit"`
}

// Aggregate controls the debounced catalog rebuild trigger.
type Aggregate struct {
	DebounceSeconds     float64 `toml:"debounce_seconds"`
	MaxStalenessSeconds float64 `toml:"max_staleness_seconds"`
}

// Manifests controls NZB manifest storage and verification.
type Manifests struct {
	SaveToDisk   bool   `toml:"save_to_disk"`
	Dir          string `toml:"dir"`
	VerifySample int    `toml:"verify_sample"`
}

// Filters controls which merged releases are dropped from the catalog.
type Filters struct {
	Denylist          []string `toml:"denylist"`
	ArchiveExtensions []string `toml:"archive_extensions"`
}

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config encapsulates all configuration values for newshound. It is resolved
// once at startup and passed into each stage; stages never read the
// environment mid-run.
type Config struct {
	Server    Server    `toml:"server"`
	Scan      Scan      `toml:"scan"`
	Ingest    Ingest    `toml:"ingest"`
	Events    Events    `toml:"events"`
	Aggregate Aggregate `toml:"aggregate"`
	Manifests Manifests `toml:"manifests"`
	Filters   Filters   `toml:"filters"`
	Paths     Paths     `toml:"paths"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/newshound/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("newshound.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories stages need at startup.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Manifests.SaveToDisk && strings.TrimSpace(c.Manifests.Dir) != "" {
		dirs = append(dirs, c.Manifests.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// EventsDBPath returns the path of the event log database.
func (c *Config) EventsDBPath() string {
	return filepath.Join(c.Paths.DataDir, "events.db")
}

// StoreDBPath returns the path of the fact/catalog database.
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.Paths.DataDir, "index.db")
}

// GroupsSnapshotPath returns the path of the cached group discovery snapshot.
func (c *Config) GroupsSnapshotPath() string {
	return filepath.Join(c.Paths.DataDir, "groups.json")
}

// ManifestsDBPath returns the path of the manifest database.
func (c *Config) ManifestsDBPath() string {
	return filepath.Join(c.Paths.DataDir, "nzbs.db")
}

// ServerTimeout returns the socket timeout as a duration.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// PollInterval returns the worker event poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Events.PollSeconds * float64(time.Second))
}

// ScanInterval returns the periodic scan cadence as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalSeconds) * time.Second
}

// FlushInterval returns the ingest batch flush interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Ingest.FlushSeconds * float64(time.Second))
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
