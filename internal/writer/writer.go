// Package writer is the persistence stage: the sole consumer that commits
// facts and watermarks to the index database. Facts are buffered and
// flushed in bounded batches; the consumer cursor advances only once the
// covering flush has committed, so a crash replays events instead of
// losing them.
package writer

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
	"newshound/internal/store"
	"newshound/internal/worker"
)

// Service is the cursor name of the persistence loop.
const Service = "writer"

// ErrLocked indicates another persistence worker already holds the
// single-writer lock.
var ErrLocked = errors.New("another persistence worker is running")

// Worker consumes fact and state events and commits them to the store.
type Worker struct {
	cfg    *config.Config
	log    *events.Log
	store  *store.Store
	logger *slog.Logger

	buffer          []store.Record
	bufferedThrough int64
	durableThrough  int64
	committed       int64
	lastFlush       time.Time
}

// New builds the persistence worker.
func New(cfg *config.Config, log *events.Log, st *store.Store, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		log:       log,
		store:     st,
		logger:    logging.WithComponent(logger, Service),
		lastFlush: time.Now(),
	}
}

// Run consumes the event log until ctx is cancelled. The single-writer
// lock is held for the duration; a second writer fails fast with
// ErrLocked.
func (w *Worker) Run(ctx context.Context) error {
	lock := flock.New(filepath.Join(w.cfg.Paths.DataDir, "writer.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire writer lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() { _ = lock.Unlock() }()

	cursor, err := w.log.Cursor(ctx, Service)
	if err != nil {
		return err
	}
	w.durableThrough = cursor
	w.committed = cursor

	defer func() {
		// Flush whatever is buffered on shutdown; the cursor stays behind
		// on failure and the events replay next start.
		if err := w.flush(context.Background()); err != nil {
			w.logger.Error("final flush failed", logging.Error(err))
			return
		}
		if err := w.commitCursor(context.Background()); err != nil {
			w.logger.Error("final cursor commit failed", logging.Error(err))
		}
	}()

	return worker.Run(ctx, worker.Options{
		Service:   Service,
		Log:       w.log,
		Logger:    w.logger,
		Poll:      w.cfg.PollInterval(),
		ReadLimit: w.cfg.Events.ReadLimit,
		Handle:    w.handle,
		Advance:   w.advance,
	})
}

func (w *Worker) handle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.TypeHeaderBatch:
		batch, err := events.Decode[events.HeaderBatch](event)
		if err != nil {
			return err
		}
		w.buffer = append(w.buffer, batch.Items...)
		w.bufferedThrough = event.ID

	case events.TypeNZBFile, events.TypeNZBFailed:
		record, err := events.Decode[store.Record](event)
		if err != nil {
			return err
		}
		w.buffer = append(w.buffer, record)
		w.bufferedThrough = event.ID

	case events.TypeStateUpdate:
		update, err := events.Decode[events.StateUpdate](event)
		if err != nil {
			return err
		}
		// Facts always land before the watermark that covers them.
		if err := w.flush(ctx); err != nil {
			return err
		}
		if update.Group != "" {
			if err := w.store.SetWatermark(ctx, update.Group, update.LastArticle); err != nil {
				return err
			}
		}
		w.durableThrough = event.ID

	case events.TypeStateReset:
		reset, err := events.Decode[events.StateReset](event)
		if err != nil {
			return err
		}
		if err := w.flush(ctx); err != nil {
			return err
		}
		if reset.Group != "" {
			if err := w.store.ResetWatermark(ctx, reset.Group); err != nil {
				return err
			}
		}
		w.durableThrough = event.ID

	default:
		if len(w.buffer) == 0 {
			w.durableThrough = event.ID
		}
	}

	if len(w.buffer) >= w.batchSize() {
		return w.flush(ctx)
	}
	return nil
}

// advance runs after every pass. It performs the time-based flush and
// moves the cursor up to the last event whose effects are durable.
func (w *Worker) advance(ctx context.Context, lastEventID int64) error {
	if len(w.buffer) == 0 {
		if lastEventID > w.durableThrough {
			w.durableThrough = lastEventID
		}
	} else if time.Since(w.lastFlush) >= w.cfg.FlushInterval() {
		if err := w.flush(ctx); err != nil {
			return err
		}
	}
	return w.commitCursor(ctx)
}

func (w *Worker) flush(ctx context.Context) error {
	if len(w.buffer) == 0 {
		w.lastFlush = time.Now()
		return nil
	}
	if err := w.store.AppendRecords(ctx, w.buffer); err != nil {
		return fmt.Errorf("flush %d facts: %w", len(w.buffer), err)
	}
	w.logger.Info("facts flushed", logging.Int("count", len(w.buffer)))
	w.buffer = nil
	if w.bufferedThrough > w.durableThrough {
		w.durableThrough = w.bufferedThrough
	}
	w.lastFlush = time.Now()
	return nil
}

func (w *Worker) commitCursor(ctx context.Context) error {
	if w.durableThrough <= w.committed {
		return nil
	}
	if err := w.log.SetCursor(ctx, Service, w.durableThrough); err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	w.committed = w.durableThrough
	return nil
}

func (w *Worker) batchSize() int {
	if w.cfg.Ingest.BatchSize > 0 {
		return w.cfg.Ingest.BatchSize
	}
	return 500
}
