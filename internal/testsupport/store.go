package testsupport

import (
	"log/slog"
	"testing"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/nzbstore"
	"newshound/internal/store"
)

// MustOpenLog opens the event log for tests and registers cleanup.
func MustOpenLog(t testing.TB, cfg *config.Config) *events.Log {
	t.Helper()

	log, err := events.Open(cfg.EventsDBPath())
	if err != nil {
		t.Fatalf("events.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// MustOpenStore opens the index store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg.StoreDBPath())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// MustOpenManifests opens the manifest archive for tests and registers
// cleanup.
func MustOpenManifests(t testing.TB, cfg *config.Config) *nzbstore.Store {
	t.Helper()

	manifests, err := nzbstore.Open(cfg.ManifestsDBPath())
	if err != nil {
		t.Fatalf("nzbstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = manifests.Close() })
	return manifests
}

// NewLogger returns a quiet logger for tests.
func NewLogger(t testing.TB) *slog.Logger {
	t.Helper()

	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return logger
}
