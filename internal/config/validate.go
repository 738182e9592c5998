package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks configuration problems that are fatal at stage
// startup.
var ErrConfiguration = errors.New("configuration error")

// Validate checks tunables that would otherwise fail in confusing ways at
// runtime. Server.Host is deliberately not required here: commands that do
// not touch the network (status, releases) run without it, and stages that
// need it call RequireServer at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrConfiguration, c.Server.Port)
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: server.timeout_seconds must be positive", ErrConfiguration)
	}
	if c.Scan.Lookback <= 0 {
		return fmt.Errorf("%w: scan.lookback must be positive", ErrConfiguration)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("%w: ingest.batch_size must be positive", ErrConfiguration)
	}
	if c.Ingest.FlushSeconds <= 0 {
		return fmt.Errorf("%w: ingest.flush_seconds must be positive", ErrConfiguration)
	}
	if c.Events.PollSeconds <= 0 {
		return fmt.Errorf("%w: events.poll_seconds must be positive", ErrConfiguration)
	}
	if c.Events.ReadLimit <= 0 {
		return fmt.Errorf("%w: events.read_limit must be positive", ErrConfiguration)
	}
	if c.Aggregate.DebounceSeconds < 0 {
		return fmt.Errorf("%w: aggregate.debounce_seconds must not be negative", ErrConfiguration)
	}
	if c.Aggregate.MaxStalenessSeconds < 0 {
		return fmt.Errorf("%w: aggregate.max_staleness_seconds must not be negative", ErrConfiguration)
	}
	if c.Manifests.VerifySample < 0 {
		return fmt.Errorf("%w: manifests.verify_sample must not be negative", ErrConfiguration)
	}
	return nil
}

// RequireServer fails when no upstream server host is configured. Stages
// that talk to the network call this once at startup and exit non-zero on
// error instead of looping.
func (c *Config) RequireServer() error {
	if c.Server.Host == "" {
		return fmt.Errorf("%w: server.host is not set", ErrConfiguration)
	}
	return nil
}
