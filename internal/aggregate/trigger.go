package aggregate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/worker"
)

// TriggerService is the cursor name of the debounce loop.
const TriggerService = "aggregate_trigger"

// BuilderService is the cursor name of the rebuild loop.
const BuilderService = "aggregate"

// ErrLocked indicates another aggregation worker already holds the
// single-builder lock.
var ErrLocked = errors.New("another aggregation worker is running")

// Trigger watches the event log for pipeline activity and requests a
// catalog rebuild once the activity settles, or once the catalog has been
// stale for too long regardless of ongoing churn.
type Trigger struct {
	cfg    *config.Config
	log    *events.Log
	logger *slog.Logger

	dirty      bool
	lastChange time.Time
	lastFire   time.Time
}

// NewTrigger builds the debounce trigger.
func NewTrigger(cfg *config.Config, log *events.Log, logger *slog.Logger) *Trigger {
	return &Trigger{
		cfg:      cfg,
		log:      log,
		logger:   logging.WithComponent(logger, TriggerService),
		lastFire: time.Now(),
	}
}

// Run consumes the event log until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) error {
	return worker.Run(ctx, worker.Options{
		Service:   TriggerService,
		Log:       t.log,
		Logger:    t.logger,
		Poll:      t.cfg.PollInterval(),
		ReadLimit: t.cfg.Events.ReadLimit,
		Handle:    t.handle,
		Tick:      t.tick,
	})
}

func (t *Trigger) handle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.TypeScanFinished, events.TypeNZBParsed, events.TypeNZBFailed:
		t.dirty = true
		t.lastChange = time.Now()
	}
	return nil
}

func (t *Trigger) tick(ctx context.Context) error {
	if !t.dirty {
		return nil
	}
	debounce := time.Duration(t.cfg.Aggregate.DebounceSeconds * float64(time.Second))
	staleness := time.Duration(t.cfg.Aggregate.MaxStalenessSeconds * float64(time.Second))
	now := time.Now()

	settled := now.Sub(t.lastChange) >= debounce
	overdue := staleness > 0 && now.Sub(t.lastFire) >= staleness
	if !settled && !overdue {
		return nil
	}

	if _, err := t.log.Publish(ctx, events.TypeAggregate, events.AggregateRequested{}); err != nil {
		return fmt.Errorf("publish aggregate request: %w", err)
	}
	t.logger.Info("aggregation requested", logging.Bool("overdue", overdue))
	t.dirty = false
	t.lastFire = now
	return nil
}

// Builder consumes rebuild requests and runs the engine. Back-to-back
// requests in one poll pass coalesce into a single rebuild.
type Builder struct {
	cfg    *config.Config
	log    *events.Log
	engine *Engine
	logger *slog.Logger

	pending bool
}

// NewBuilder builds the rebuild worker.
func NewBuilder(cfg *config.Config, log *events.Log, engine *Engine, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		log:    log,
		engine: engine,
		logger: logging.WithComponent(logger, BuilderService),
	}
}

// Run consumes the event log until ctx is cancelled. The single-builder
// lock is held for the duration; a second builder fails fast with
// ErrLocked.
func (b *Builder) Run(ctx context.Context) error {
	lock := flock.New(filepath.Join(b.cfg.Paths.DataDir, "aggregate.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire aggregate lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() { _ = lock.Unlock() }()

	return worker.Run(ctx, worker.Options{
		Service:   BuilderService,
		Log:       b.log,
		Logger:    b.logger,
		Poll:      b.cfg.PollInterval(),
		ReadLimit: b.cfg.Events.ReadLimit,
		Handle:    b.handle,
		Tick:      b.tick,
	})
}

func (b *Builder) handle(ctx context.Context, event events.Event) error {
	if event.Type == events.TypeAggregate {
		b.pending = true
	}
	return nil
}

func (b *Builder) tick(ctx context.Context) error {
	if !b.pending {
		return nil
	}
	if _, err := b.engine.Run(ctx); err != nil {
		return err
	}
	b.pending = false
	return nil
}
