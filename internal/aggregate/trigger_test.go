package aggregate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
)

func newTestLog(t *testing.T) *events.Log {
	t.Helper()
	log, err := events.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("events.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func countAggregateRequests(t *testing.T, log *events.Log) int {
	t.Helper()
	batch, err := log.ReadAfter(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("ReadAfter() error = %v", err)
	}
	count := 0
	for _, event := range batch {
		if event.Type == events.TypeAggregate {
			count++
		}
	}
	return count
}

func TestTriggerFiresOnceActivitySettles(t *testing.T) {
	log := newTestLog(t)
	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	cfg := config.Default()
	cfg.Aggregate.DebounceSeconds = 0

	trigger := NewTrigger(&cfg, log, logger)
	ctx := context.Background()

	// Clean tick publishes nothing.
	if err := trigger.tick(ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if got := countAggregateRequests(t, log); got != 0 {
		t.Fatalf("requests = %d before any activity, want 0", got)
	}

	if err := trigger.handle(ctx, events.Event{Type: events.TypeScanFinished}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if err := trigger.tick(ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if got := countAggregateRequests(t, log); got != 1 {
		t.Fatalf("requests = %d after settled activity, want 1", got)
	}

	// The request cleared the dirty flag; quiet ticks stay quiet.
	if err := trigger.tick(ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if got := countAggregateRequests(t, log); got != 1 {
		t.Errorf("requests = %d after quiet tick, want still 1", got)
	}
}

func TestTriggerHonorsDebounceAndStaleness(t *testing.T) {
	log := newTestLog(t)
	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	cfg := config.Default()
	cfg.Aggregate.DebounceSeconds = 3600
	cfg.Aggregate.MaxStalenessSeconds = 3600

	trigger := NewTrigger(&cfg, log, logger)
	ctx := context.Background()

	if err := trigger.handle(ctx, events.Event{Type: events.TypeNZBParsed}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if err := trigger.tick(ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if got := countAggregateRequests(t, log); got != 0 {
		t.Fatalf("requests = %d inside the debounce window, want 0", got)
	}

	// Continuous churn never settles, but the staleness ceiling still
	// forces a rebuild eventually.
	trigger.lastFire = time.Now().Add(-2 * time.Hour)
	if err := trigger.tick(ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if got := countAggregateRequests(t, log); got != 1 {
		t.Errorf("requests = %d past the staleness ceiling, want 1", got)
	}
}

func TestBuilderCoalescesRequests(t *testing.T) {
	engine, st, _ := newTestEngine(t, nil)
	log := newTestLog(t)
	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	cfg := config.Default()

	builder := NewBuilder(&cfg, log, engine, logger)
	ctx := context.Background()

	if err := builder.handle(ctx, events.Event{Type: events.TypeAggregate}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if err := builder.handle(ctx, events.Event{Type: events.TypeAggregate}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if err := builder.tick(ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}
	if builder.pending {
		t.Error("pending flag still set after rebuild")
	}
	if _, ok, err := st.LastAggregateRun(ctx); err != nil || !ok {
		t.Errorf("LastAggregateRun() = ok %v, err %v; want a recorded run", ok, err)
	}

	// Unrelated events do not mark a rebuild pending.
	if err := builder.handle(ctx, events.Event{Type: events.TypeScanFinished}); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if builder.pending {
		t.Error("pending flag set by unrelated event")
	}
}

func TestBuilderEnforcesSingleInstance(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	log := newTestLog(t)
	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()

	first := NewBuilder(&cfg, log, engine, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	second := NewBuilder(&cfg, log, engine, logger)
	if err := second.Run(context.Background()); err != ErrLocked {
		t.Errorf("second Run() error = %v, want ErrLocked", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
