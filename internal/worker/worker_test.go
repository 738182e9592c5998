package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"newshound/internal/events"
)

func openTestLog(t *testing.T) *events.Log {
	t.Helper()
	log, err := events.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("events.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestRunHandlesInOrderAndAdvancesCursor(t *testing.T) {
	log := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, group := range []string{"a", "b", "c"} {
		if _, err := log.Publish(ctx, events.TypeStateUpdate, events.StateUpdate{Group: group}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	var handled []int64
	err := Run(ctx, Options{
		Service:   "test_worker",
		Log:       log,
		Poll:      10 * time.Millisecond,
		ReadLimit: 10,
		Handle: func(ctx context.Context, event events.Event) error {
			handled = append(handled, event.ID)
			if len(handled) == 3 {
				cancel()
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(handled) != 3 {
		t.Fatalf("handled %d events, want 3", len(handled))
	}
	for i := 1; i < len(handled); i++ {
		if handled[i] <= handled[i-1] {
			t.Errorf("events handled out of order: %v", handled)
		}
	}

	cursor, err := log.Cursor(context.Background(), "test_worker")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != handled[2] {
		t.Errorf("cursor = %d, want %d", cursor, handled[2])
	}
}

func TestRunStopsCursorAtFailedEvent(t *testing.T) {
	log := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []int64
	for _, group := range []string{"a", "b"} {
		id, err := log.Publish(ctx, events.TypeStateUpdate, events.StateUpdate{Group: group})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		ids = append(ids, id)
	}

	attempts := 0
	err := Run(ctx, Options{
		Service:   "failing_worker",
		Log:       log,
		Poll:      5 * time.Millisecond,
		ReadLimit: 10,
		Handle: func(ctx context.Context, event events.Event) error {
			if event.ID == ids[1] {
				attempts++
				if attempts >= 2 {
					cancel()
				}
				return errors.New("transient failure")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if attempts < 2 {
		t.Errorf("failed event delivered %d times, want redelivery", attempts)
	}
	cursor, err := log.Cursor(context.Background(), "failing_worker")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != ids[0] {
		t.Errorf("cursor = %d, want %d (stops before the failed event)", cursor, ids[0])
	}
}

func TestRunSkipsUndecodableEventAfterRedeliveries(t *testing.T) {
	log := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := log.Publish(ctx, events.TypeStateUpdate, map[string]any{"group": 7}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	goodID, err := log.Publish(ctx, events.TypeStateUpdate, events.StateUpdate{Group: "a"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	badAttempts := 0
	handledGood := false
	err = Run(ctx, Options{
		Service:   "bad_payload_worker",
		Log:       log,
		Poll:      2 * time.Millisecond,
		ReadLimit: 10,
		Handle: func(ctx context.Context, event events.Event) error {
			update, err := events.Decode[events.StateUpdate](event)
			if err != nil {
				badAttempts++
				return err
			}
			if update.Group == "a" {
				handledGood = true
				cancel()
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if badAttempts != maxBadDeliveries {
		t.Errorf("undecodable event delivered %d times, want %d", badAttempts, maxBadDeliveries)
	}
	if !handledGood {
		t.Error("event after the undecodable one was never handled")
	}
	cursor, err := log.Cursor(context.Background(), "bad_payload_worker")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != goodID {
		t.Errorf("cursor = %d, want %d (moved past the skipped event)", cursor, goodID)
	}
}

func TestRunRequiresHandler(t *testing.T) {
	if err := Run(context.Background(), Options{}); err == nil {
		t.Error("Run() without options succeeded")
	}
}

func TestRunCustomAdvance(t *testing.T) {
	log := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := log.Publish(ctx, events.TypeStateUpdate, events.StateUpdate{Group: "a"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var advanced int64
	err := Run(ctx, Options{
		Service: "custom_advance",
		Log:     log,
		Poll:    5 * time.Millisecond,
		Handle: func(ctx context.Context, event events.Event) error {
			return nil
		},
		Advance: func(ctx context.Context, lastEventID int64) error {
			advanced = lastEventID
			cancel()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if advanced == 0 {
		t.Error("custom advance was not called")
	}

	cursor, err := log.Cursor(context.Background(), "custom_advance")
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 0 {
		t.Errorf("cursor = %d, want 0 (default advance bypassed)", cursor)
	}
}
