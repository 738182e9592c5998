// Package worker provides the shared event consumption loop: each pipeline
// stage polls the event log from its own cursor, handles events in order
// and advances the cursor only once their effects are durable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"log/slog"

	"newshound/internal/events"
	"newshound/internal/logging"
)

// Options configures a consumer loop.
type Options struct {
	// Service names the cursor this loop advances.
	Service string
	Log     *events.Log
	Logger  *slog.Logger
	// Poll is the sleep between empty reads.
	Poll time.Duration
	// ReadLimit caps the events fetched per pass.
	ReadLimit int
	// Handle processes one event. An error stops cursor advancement at the
	// previous event; the failed event is redelivered on the next pass.
	Handle func(ctx context.Context, event events.Event) error
	// Advance overrides the default cursor store. Loops whose effects are
	// buffered (the persistence stage) advance their cursor themselves and
	// install a no-op here.
	Advance func(ctx context.Context, lastEventID int64) error
	// Tick, when set, runs after every pass, including empty ones.
	Tick func(ctx context.Context) error
}

// maxBadDeliveries bounds how often an undecodable event is redelivered
// before the loop skips past it.
const maxBadDeliveries = 3

// Run consumes events until ctx is cancelled. It returns nil on clean
// shutdown.
func Run(ctx context.Context, opts Options) error {
	if opts.Service == "" || opts.Log == nil || opts.Handle == nil {
		return errors.New("worker: service, log and handler are required")
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1000
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instance := uuid.NewString()[:8]
	logger = logging.WithComponent(logger, opts.Service).With("instance", instance)

	advance := opts.Advance
	if advance == nil {
		advance = func(ctx context.Context, lastEventID int64) error {
			return opts.Log.SetCursor(ctx, opts.Service, lastEventID)
		}
	}

	logger.Info("worker started")
	var badID int64
	badCount := 0
	for {
		if err := ctx.Err(); err != nil {
			logger.Info("worker stopped")
			return nil
		}

		cursor, err := opts.Log.Cursor(ctx, opts.Service)
		if err != nil {
			return fmt.Errorf("read cursor %s: %w", opts.Service, err)
		}
		batch, err := opts.Log.ReadAfter(ctx, cursor, opts.ReadLimit)
		if err != nil {
			return fmt.Errorf("read events after %d: %w", cursor, err)
		}

		handled := cursor
		var handleErr error
		for _, event := range batch {
			if err := ctx.Err(); err != nil {
				break
			}
			if err := opts.Handle(ctx, event); err != nil {
				// A payload that cannot decode will never decode; after a few
				// redeliveries the event is skipped so it cannot wedge the
				// stage. Every other error holds the cursor for redelivery.
				if errors.Is(err, events.ErrBadPayload) {
					if event.ID != badID {
						badID, badCount = event.ID, 0
					}
					badCount++
					if badCount >= maxBadDeliveries {
						logger.Error("skipping undecodable event",
							"event_id", event.ID,
							"event_type", event.Type,
							logging.Error(err))
						badID, badCount = 0, 0
						handled = event.ID
						continue
					}
				}
				handleErr = err
				logger.Error("event handling failed",
					"event_id", event.ID,
					"event_type", event.Type,
					logging.Error(err))
				break
			}
			handled = event.ID
		}

		if handled > cursor {
			if err := advance(ctx, handled); err != nil {
				return fmt.Errorf("advance cursor %s: %w", opts.Service, err)
			}
		}

		if opts.Tick != nil {
			if err := opts.Tick(ctx); err != nil {
				logger.Error("tick failed", logging.Error(err))
			}
		}

		if len(batch) == 0 || handleErr != nil || int64(len(batch)) < int64(opts.ReadLimit) {
			select {
			case <-ctx.Done():
				logger.Info("worker stopped")
				return nil
			case <-time.After(opts.Poll):
			}
		}
	}
}
