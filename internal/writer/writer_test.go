package writer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/store"
)

func newTestWorker(t *testing.T) (*Worker, *events.Log, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	log, err := events.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("events.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	st, err := store.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}

	cfg := config.Default()
	cfg.Paths.DataDir = dir
	return New(&cfg, log, st, logger), log, st
}

func publish(t *testing.T, log *events.Log, eventType events.Type, payload any) events.Event {
	t.Helper()
	ctx := context.Background()
	id, err := log.Publish(ctx, eventType, payload)
	if err != nil {
		t.Fatalf("Publish(%s) error = %v", eventType, err)
	}
	batch, err := log.ReadAfter(ctx, id-1, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("ReadAfter(%d) = %v, %v", id-1, batch, err)
	}
	return batch[0]
}

func TestStateUpdateFlushesFactsFirst(t *testing.T) {
	w, log, st := newTestWorker(t)
	ctx := context.Background()

	batchEvent := publish(t, log, events.TypeHeaderBatch, events.HeaderBatch{Items: []store.Record{
		{Group: "alt.binaries.test", Kind: store.KindHeader, Article: 1, Subject: "Foo (1/1)", Poster: "a@x", Bytes: 10, MessageID: "<1@x>"},
	}})
	stateEvent := publish(t, log, events.TypeStateUpdate, events.StateUpdate{
		Group: "alt.binaries.test", LastArticle: 1,
	})

	if err := w.handle(ctx, batchEvent); err != nil {
		t.Fatalf("handle(batch) error = %v", err)
	}
	if err := w.handle(ctx, stateEvent); err != nil {
		t.Fatalf("handle(state) error = %v", err)
	}

	facts, err := st.Facts(ctx)
	if err != nil {
		t.Fatalf("Facts() error = %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts = %d, want 1 (flushed before watermark)", len(facts))
	}
	mark, ok, err := st.Watermark(ctx, "alt.binaries.test")
	if err != nil || !ok || mark != 1 {
		t.Errorf("watermark = %d, ok %v, err %v; want 1", mark, ok, err)
	}

	if err := w.advance(ctx, stateEvent.ID); err != nil {
		t.Fatalf("advance() error = %v", err)
	}
	cursor, err := log.Cursor(ctx, Service)
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != stateEvent.ID {
		t.Errorf("cursor = %d, want %d", cursor, stateEvent.ID)
	}
}

func TestCursorHeldBackUntilFlush(t *testing.T) {
	w, log, st := newTestWorker(t)
	ctx := context.Background()

	event := publish(t, log, events.TypeHeaderBatch, events.HeaderBatch{Items: []store.Record{
		{Group: "alt.binaries.test", Kind: store.KindHeader, Article: 1, Subject: "Foo", Poster: "a@x", MessageID: "<1@x>"},
	}})
	if err := w.handle(ctx, event); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	// The flush interval has not elapsed, so advance must not move the
	// cursor past the unflushed facts.
	if err := w.advance(ctx, event.ID); err != nil {
		t.Fatalf("advance() error = %v", err)
	}
	cursor, err := log.Cursor(ctx, Service)
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != 0 {
		t.Errorf("cursor = %d, want 0 while facts are buffered", cursor)
	}

	w.lastFlush = time.Now().Add(-time.Hour)
	if err := w.advance(ctx, event.ID); err != nil {
		t.Fatalf("advance() after interval error = %v", err)
	}
	cursor, err = log.Cursor(ctx, Service)
	if err != nil {
		t.Fatalf("Cursor() error = %v", err)
	}
	if cursor != event.ID {
		t.Errorf("cursor = %d, want %d after time-based flush", cursor, event.ID)
	}

	facts, err := st.Facts(ctx)
	if err != nil {
		t.Fatalf("Facts() error = %v", err)
	}
	if len(facts) != 1 {
		t.Errorf("facts = %d, want 1", len(facts))
	}
}

func TestBatchSizeTriggersImmediateFlush(t *testing.T) {
	w, log, st := newTestWorker(t)
	w.cfg.Ingest.BatchSize = 2
	ctx := context.Background()

	first := publish(t, log, events.TypeNZBFile, store.Record{
		Group: "alt.binaries.test", Kind: store.KindNZBFile, Subject: "foo.mkv",
		Poster: "a@x", Bytes: 100, MessageID: "<1@x>",
		Detail: &store.Detail{Segments: 2},
	})
	second := publish(t, log, events.TypeNZBFailed, store.Record{
		Group: "alt.binaries.test", Kind: store.KindNZBFailed, Subject: "bad.nzb",
		Poster: "a@x", MessageID: "<2@x>",
	})

	if err := w.handle(ctx, first); err != nil {
		t.Fatalf("handle(first) error = %v", err)
	}
	facts, err := st.Facts(ctx)
	if err != nil {
		t.Fatalf("Facts() error = %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("facts = %d before batch size reached, want 0", len(facts))
	}

	if err := w.handle(ctx, second); err != nil {
		t.Fatalf("handle(second) error = %v", err)
	}
	facts, err = st.Facts(ctx)
	if err != nil {
		t.Fatalf("Facts() error = %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts = %d after batch size reached, want 2", len(facts))
	}
	if facts[0].Kind != store.KindNZBFile || facts[0].Detail == nil || facts[0].Detail.Segments != 2 {
		t.Errorf("first fact = %+v", facts[0])
	}
}

func TestStateResetDropsWatermark(t *testing.T) {
	w, log, st := newTestWorker(t)
	ctx := context.Background()

	if err := st.SetWatermark(ctx, "alt.binaries.test", 50); err != nil {
		t.Fatalf("SetWatermark() error = %v", err)
	}
	event := publish(t, log, events.TypeStateReset, events.StateReset{Group: "alt.binaries.test"})
	if err := w.handle(ctx, event); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if _, ok, _ := st.Watermark(ctx, "alt.binaries.test"); ok {
		t.Error("watermark still present after state_reset")
	}
}

func TestRunEnforcesSingleWriter(t *testing.T) {
	w, _, _ := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the first writer time to take the lock, then a second writer
	// against the same data dir must refuse to start.
	time.Sleep(100 * time.Millisecond)
	second := New(w.cfg, w.log, w.store, w.logger)
	if err := second.Run(context.Background()); err != ErrLocked {
		t.Errorf("second Run() error = %v, want ErrLocked", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
