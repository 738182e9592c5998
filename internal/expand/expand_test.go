package expand

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/nntp"
	"newshound/internal/nzbstore"
	"newshound/internal/store"
)

type fakeSession struct {
	bodies      map[string][]string
	articles    map[string][]string
	statFailAll bool
	statErr     error
	quits       int
}

func (s *fakeSession) SelectGroup(name string) (nntp.GroupStatus, error) {
	return nntp.GroupStatus{Name: name}, nil
}

func (s *fakeSession) Body(article string) ([]string, error) {
	lines, ok := s.bodies[article]
	if !ok {
		return nil, errors.New("430 no such article")
	}
	return lines, nil
}

func (s *fakeSession) Article(article string) ([]string, error) {
	lines, ok := s.articles[article]
	if !ok {
		return nil, errors.New("430 no such article")
	}
	return lines, nil
}

func (s *fakeSession) Stat(article string) (string, error) {
	if s.statErr != nil {
		return "", s.statErr
	}
	if s.statFailAll {
		return "", &nntp.ProtocolError{Status: "430 no such article"}
	}
	return "223 0 " + article, nil
}

func (s *fakeSession) Quit() { s.quits++ }

func newTestWorker(t *testing.T, session *fakeSession) (*Worker, *events.Log, *nzbstore.Store) {
	t.Helper()
	dir := t.TempDir()

	log, err := events.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("events.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	manifests, err := nzbstore.Open(filepath.Join(dir, "nzbs.db"))
	if err != nil {
		t.Fatalf("nzbstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = manifests.Close() })

	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}

	cfg := config.Default()
	cfg.Manifests.SaveToDisk = false
	w := New(&cfg, log, manifests, logger, func() (Session, error) { return session, nil })
	return w, log, manifests
}

func typed(t *testing.T, log *events.Log) map[events.Type][]events.Event {
	t.Helper()
	batch, err := log.ReadAfter(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("ReadAfter() error = %v", err)
	}
	out := make(map[events.Type][]events.Event)
	for _, event := range batch {
		out[event.Type] = append(out[event.Type], event)
	}
	return out
}

func manifestLines() []string {
	return []string{
		"<?xml version=\"1.0\" encoding=\"utf-8\"?>",
		"<nzb xmlns=\"http://www.newzbin.com/DTD/2003/nzb\">",
		"  <file poster=\"binposter@example.com\" subject=\"Foo.S01E01.mkv (1/2)\">",
		"    <groups><group>alt.binaries.hdtv</group></groups>",
		"    <segments>",
		"      <segment bytes=\"1000\" number=\"1\">one@example</segment>",
		"      <segment bytes=\"2000\" number=\"2\">two@example</segment>",
		"    </segments>",
		"  </file>",
		"</nzb>",
	}
}

func TestExpandPublishesFileFactsAndArchives(t *testing.T) {
	session := &fakeSession{
		bodies: map[string][]string{"<idx@example>": manifestLines()},
	}
	w, log, manifests := newTestWorker(t, session)

	seen := events.NZBSeen{
		Group:     "alt.binaries.test",
		Article:   42,
		Subject:   `post "foo.nzb" (1/1)`,
		Poster:    "poster@example.com",
		Date:      "Mon, 01 Jan 2024 00:00:00 GMT",
		MessageID: "<idx@example>",
	}
	if err := w.expand(context.Background(), seen); err != nil {
		t.Fatalf("expand() error = %v", err)
	}

	byType := typed(t, log)
	if len(byType[events.TypeNZBFile]) != 1 {
		t.Fatalf("nzb_file events = %d, want 1", len(byType[events.TypeNZBFile]))
	}
	record, err := events.Decode[store.Record](byType[events.TypeNZBFile][0])
	if err != nil {
		t.Fatalf("Decode(nzb_file) error = %v", err)
	}
	if record.Group != "alt.binaries.hdtv" {
		t.Errorf("fact group = %s, want the manifest's group", record.Group)
	}
	if record.Bytes != 3000 || record.Detail == nil || record.Detail.Segments != 2 {
		t.Errorf("fact = %+v", record)
	}
	if record.Detail.SourceArticle != 42 || record.Detail.SourceMessageID != "<idx@example>" {
		t.Errorf("fact provenance = %+v", record.Detail)
	}
	if len(byType[events.TypeNZBParsed]) != 1 {
		t.Errorf("nzb_parsed events = %d, want 1", len(byType[events.TypeNZBParsed]))
	}

	counts, err := manifests.CountBySource(context.Background())
	if err != nil {
		t.Fatalf("CountBySource() error = %v", err)
	}
	if counts[nzbstore.SourceFound] != 1 {
		t.Errorf("archived manifests = %d, want 1", counts[nzbstore.SourceFound])
	}
}

func TestExpandFallsBackToArticle(t *testing.T) {
	article := append([]string{
		"Path: news.example.com",
		"Subject: foo.nzb",
		"",
	}, manifestLines()...)
	session := &fakeSession{
		articles: map[string][]string{"<idx@example>": article},
	}
	w, log, _ := newTestWorker(t, session)

	err := w.expand(context.Background(), events.NZBSeen{
		Group:     "alt.binaries.test",
		Article:   42,
		MessageID: "<idx@example>",
		Poster:    "poster@example.com",
	})
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}
	byType := typed(t, log)
	if len(byType[events.TypeNZBFile]) != 1 {
		t.Errorf("nzb_file events = %d, want 1 (article fallback)", len(byType[events.TypeNZBFile]))
	}
}

func TestExpandPublishesFailureFact(t *testing.T) {
	session := &fakeSession{}
	w, log, _ := newTestWorker(t, session)

	err := w.expand(context.Background(), events.NZBSeen{
		Group:     "alt.binaries.test",
		Article:   42,
		Subject:   "gone.nzb",
		Poster:    "poster@example.com",
		MessageID: "<gone@example>",
	})
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}

	byType := typed(t, log)
	if len(byType[events.TypeNZBFailed]) != 1 {
		t.Fatalf("nzb_failed events = %d, want 1", len(byType[events.TypeNZBFailed]))
	}
	record, err := events.Decode[store.Record](byType[events.TypeNZBFailed][0])
	if err != nil {
		t.Fatalf("Decode(nzb_failed) error = %v", err)
	}
	if record.Kind != store.KindNZBFailed || record.Article != 42 {
		t.Errorf("failure fact = %+v", record)
	}
	if len(byType[events.TypeNZBParsed]) != 0 {
		t.Error("nzb_parsed published for a failed fetch")
	}
	if session.quits != 1 {
		t.Errorf("session quits = %d, want 1 (connection dropped after failure)", session.quits)
	}
}

func TestExpandRecordsUnverifiableManifest(t *testing.T) {
	session := &fakeSession{
		bodies:      map[string][]string{"<idx@example>": manifestLines()},
		statFailAll: true,
	}
	w, _, manifests := newTestWorker(t, session)

	err := w.expand(context.Background(), events.NZBSeen{
		Group:     "alt.binaries.test",
		Article:   42,
		Subject:   "foo.nzb",
		MessageID: "<idx@example>",
	})
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}

	counts, err := manifests.CountBySource(context.Background())
	if err != nil {
		t.Fatalf("CountBySource() error = %v", err)
	}
	if counts[nzbstore.SourceFound] != 0 {
		t.Error("unverifiable manifest was archived as valid")
	}
	if session.quits != 0 {
		t.Errorf("session quits = %d, want 0 (430 keeps the connection)", session.quits)
	}
}

func TestExpandDropsSessionOnVerifyTransportError(t *testing.T) {
	session := &fakeSession{
		bodies:  map[string][]string{"<idx@example>": manifestLines()},
		statErr: io.EOF,
	}
	w, _, _ := newTestWorker(t, session)

	err := w.expand(context.Background(), events.NZBSeen{
		Group:     "alt.binaries.test",
		Article:   42,
		Subject:   "foo.nzb",
		MessageID: "<idx@example>",
	})
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}
	if session.quits != 1 {
		t.Errorf("session quits = %d, want 1 (dead connection dropped)", session.quits)
	}
	if w.session != nil {
		t.Error("stale session still cached after transport failure")
	}
}

func TestExpandIgnoresNonManifestBody(t *testing.T) {
	session := &fakeSession{
		bodies: map[string][]string{"<idx@example>": {"just", "text"}},
	}
	w, log, _ := newTestWorker(t, session)

	err := w.expand(context.Background(), events.NZBSeen{
		Group:     "alt.binaries.test",
		Article:   42,
		MessageID: "<idx@example>",
	})
	if err != nil {
		t.Fatalf("expand() error = %v", err)
	}
	byType := typed(t, log)
	if len(byType[events.TypeNZBFile]) != 0 {
		t.Error("nzb_file published for a non-manifest body")
	}
	if len(byType[events.TypeNZBParsed]) != 1 {
		t.Error("nzb_parsed should still mark the candidate as processed")
	}
}
