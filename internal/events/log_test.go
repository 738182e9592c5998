package events

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	first, err := log.Publish(ctx, TypeScanRequested, ScanRequested{Groups: []string{"alt.binaries.test"}})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	second, err := log.Publish(ctx, TypeScanStarted, ScanStarted{Groups: []string{"alt.binaries.test"}})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", first, second)
	}

	maxID, err := log.MaxID(ctx)
	if err != nil || maxID != second {
		t.Errorf("MaxID() = %d, %v; want %d", maxID, err, second)
	}
	count, err := log.Count(ctx)
	if err != nil || count != 2 {
		t.Errorf("Count() = %d, %v; want 2", count, err)
	}
}

func TestReadAfterReturnsOrderedWindow(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := log.Publish(ctx, TypeScanProgress, ScanProgress{Group: "alt.binaries.test", Current: int64(i), Total: 5}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	batch, err := log.ReadAfter(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ReadAfter() error = %v", err)
	}
	if len(batch) != 2 || batch[0].ID != 3 || batch[1].ID != 4 {
		t.Fatalf("batch = %+v, want ids 3 and 4", batch)
	}

	progress, err := Decode[ScanProgress](batch[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if progress.Current != 2 || progress.Total != 5 {
		t.Errorf("payload = %+v, want current 2 of 5", progress)
	}

	// Reading consumes nothing.
	again, err := log.ReadAfter(ctx, 2, 2)
	if err != nil || len(again) != 2 {
		t.Errorf("second ReadAfter() = %v, %v", again, err)
	}
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	cursor, err := log.Cursor(ctx, "writer")
	if err != nil || cursor != 0 {
		t.Fatalf("Cursor() on fresh log = %d, %v; want 0", cursor, err)
	}

	if err := log.SetCursor(ctx, "writer", 7); err != nil {
		t.Fatalf("SetCursor(7) error = %v", err)
	}
	if err := log.SetCursor(ctx, "writer", 3); err != nil {
		t.Fatalf("SetCursor(3) error = %v", err)
	}
	cursor, err = log.Cursor(ctx, "writer")
	if err != nil || cursor != 7 {
		t.Errorf("Cursor() = %d, %v; want 7 (no regression)", cursor, err)
	}

	// Cursors are per service.
	other, err := log.Cursor(ctx, "expand")
	if err != nil || other != 0 {
		t.Errorf("Cursor(expand) = %d, %v; want 0", other, err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	event := Event{Type: TypeScanProgress, Payload: []byte(`{"current": "not a number"}`)}
	if _, err := Decode[ScanProgress](event); err == nil {
		t.Fatal("Decode() error = nil, want type error")
	}
}
