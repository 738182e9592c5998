// Package ingest is the scanning stage: it reacts to scan requests by
// walking newsgroup overviews, batching header facts onto the event log and
// flagging index file candidates for the expansion stage.
package ingest

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"log/slog"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/nntp"
	"newshound/internal/store"
	"newshound/internal/worker"
)

// Service is the cursor name of the ingest loop.
const Service = "ingest"

var nzbCandidateRe = regexp.MustCompile(`(?i)\.nzb\b`)

// IsCandidate reports whether a subject suggests a posted NZB index file.
func IsCandidate(subject string) bool {
	return nzbCandidateRe.MatchString(subject)
}

// Session is the slice of an NNTP connection the scanner needs.
type Session interface {
	SelectGroup(name string) (nntp.GroupStatus, error)
	Overview(start, end int64) ([]nntp.OverviewEntry, error)
	Quit()
}

// Dialer opens a fresh NNTP session for one scan.
type Dialer func() (Session, error)

// WatermarkSource reads group scan positions. The ingest stage never writes
// watermarks; it publishes state events and the persistence stage commits
// them.
type WatermarkSource interface {
	Watermark(ctx context.Context, group string) (int64, bool, error)
}

// Worker consumes scan requests and performs the scans.
type Worker struct {
	cfg    *config.Config
	log    *events.Log
	marks  WatermarkSource
	logger *slog.Logger
	dial   Dialer
}

// New builds the ingest worker. dial may be nil, in which case a real NNTP
// connection is made per scan from the server configuration.
func New(cfg *config.Config, log *events.Log, marks WatermarkSource, logger *slog.Logger, dial Dialer) *Worker {
	w := &Worker{
		cfg:    cfg,
		log:    log,
		marks:  marks,
		logger: logging.WithComponent(logger, Service),
		dial:   dial,
	}
	if w.dial == nil {
		w.dial = func() (Session, error) {
			return nntp.Dial(nntp.Options{
				Host:     cfg.Server.Host,
				Port:     cfg.Server.Port,
				TLS:      cfg.Server.TLS,
				Username: cfg.Server.Username,
				Password: cfg.Server.Password,
				Timeout:  cfg.ServerTimeout(),
			})
		}
	}
	return w
}

// Run consumes the event log until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return worker.Run(ctx, worker.Options{
		Service:   Service,
		Log:       w.log,
		Logger:    w.logger,
		Poll:      w.cfg.PollInterval(),
		ReadLimit: w.cfg.Events.ReadLimit,
		Handle:    w.handle,
	})
}

func (w *Worker) handle(ctx context.Context, event events.Event) error {
	if event.Type != events.TypeScanRequested {
		return nil
	}
	request, err := events.Decode[events.ScanRequested](event)
	if err != nil {
		return err
	}
	if len(request.Groups) == 0 {
		return nil
	}

	if _, err := w.log.Publish(ctx, events.TypeScanStarted, events.ScanStarted{Groups: request.Groups}); err != nil {
		return fmt.Errorf("publish scan_started: %w", err)
	}
	scanErr := w.Scan(ctx, request)
	if _, err := w.log.Publish(ctx, events.TypeScanFinished, events.ScanFinished{Groups: request.Groups}); err != nil {
		return fmt.Errorf("publish scan_finished: %w", err)
	}
	return scanErr
}

// Scan walks the overview of every requested group, publishing header
// batches, candidate sightings and watermark updates.
func (w *Worker) Scan(ctx context.Context, request events.ScanRequested) error {
	lookback := request.Lookback
	if lookback <= 0 {
		lookback = w.cfg.Scan.Lookback
	}

	if request.Reset {
		for _, group := range request.Groups {
			if _, err := w.log.Publish(ctx, events.TypeStateReset, events.StateReset{Group: group}); err != nil {
				return fmt.Errorf("publish state_reset: %w", err)
			}
		}
	}

	session, err := w.dial()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer session.Quit()

	batcher := newBatcher(ctx, w.log, w.cfg.Ingest.BatchSize, w.cfg.FlushInterval())
	defer batcher.flush()

	for _, group := range request.Groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.scanGroup(ctx, session, batcher, group, lookback, request.Reset); err != nil {
			return err
		}
	}
	return batcher.flush()
}

func (w *Worker) scanGroup(ctx context.Context, session Session, batcher *batcher, group string, lookback int64, reset bool) error {
	status, err := session.SelectGroup(group)
	if err != nil {
		return fmt.Errorf("select group %s: %w", group, err)
	}

	start := status.First
	if !reset {
		if mark, ok, err := w.marks.Watermark(ctx, group); err != nil {
			return err
		} else if ok {
			start = mark + 1
		} else {
			start = status.Last - lookback + 1
		}
	} else {
		start = status.Last - lookback + 1
	}
	if start < status.First {
		start = status.First
	}
	end := status.Last

	if start > end {
		w.logger.Info("no new articles", "group", group)
		return nil
	}

	total := end - start + 1
	if err := w.publishProgress(ctx, group, 0, total); err != nil {
		return err
	}

	entries, err := session.Overview(start, end)
	if err != nil {
		return fmt.Errorf("overview %s %d-%d: %w", group, start, end, err)
	}
	if int64(len(entries)) != total {
		w.logger.Info("overview returned partial range",
			"group", group,
			logging.Int("articles", len(entries)),
			logging.Int64("range", total))
		total = int64(len(entries))
	}

	progressEvery := time.Duration(w.cfg.Scan.ProgressSeconds) * time.Second
	if progressEvery <= 0 {
		progressEvery = 10 * time.Second
	}
	lastProgress := time.Now()

	for idx, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := batcher.add(store.Record{
			Group:     group,
			Kind:      store.KindHeader,
			Article:   entry.Article,
			Subject:   entry.Subject,
			Poster:    entry.From,
			Date:      entry.Date,
			Bytes:     entry.Bytes,
			MessageID: entry.MessageID,
		}); err != nil {
			return err
		}

		if IsCandidate(entry.Subject) {
			if _, err := w.log.Publish(ctx, events.TypeNZBSeen, events.NZBSeen{
				Group:     group,
				Article:   entry.Article,
				Subject:   entry.Subject,
				Poster:    entry.From,
				Date:      entry.Date,
				MessageID: entry.MessageID,
			}); err != nil {
				return fmt.Errorf("publish nzb_seen: %w", err)
			}
		}

		now := time.Now()
		if now.Sub(lastProgress) >= progressEvery || idx == len(entries)-1 {
			if err := w.publishProgress(ctx, group, int64(idx+1), total); err != nil {
				return err
			}
			lastProgress = now
		}
	}

	if _, err := w.log.Publish(ctx, events.TypeStateUpdate, events.StateUpdate{
		Group:       group,
		LastArticle: end,
	}); err != nil {
		return fmt.Errorf("publish state_update: %w", err)
	}
	w.logger.Info("group scanned",
		"group", group,
		logging.Int("articles", len(entries)),
		logging.Int64("last_article", end))
	return nil
}

func (w *Worker) publishProgress(ctx context.Context, group string, current, total int64) error {
	_, err := w.log.Publish(ctx, events.TypeScanProgress, events.ScanProgress{
		Group:   group,
		Current: current,
		Total:   total,
	})
	if err != nil {
		return fmt.Errorf("publish scan_progress: %w", err)
	}
	return nil
}

// batcher accumulates header facts and publishes them in bounded batches.
type batcher struct {
	ctx       context.Context
	log       *events.Log
	size      int
	interval  time.Duration
	items     []store.Record
	lastFlush time.Time
}

func newBatcher(ctx context.Context, log *events.Log, size int, interval time.Duration) *batcher {
	if size <= 0 {
		size = 500
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &batcher{
		ctx:       ctx,
		log:       log,
		size:      size,
		interval:  interval,
		lastFlush: time.Now(),
	}
}

func (b *batcher) add(record store.Record) error {
	b.items = append(b.items, record)
	if len(b.items) >= b.size || time.Since(b.lastFlush) >= b.interval {
		return b.flush()
	}
	return nil
}

func (b *batcher) flush() error {
	if len(b.items) == 0 {
		return nil
	}
	batch := events.HeaderBatch{Items: b.items}
	b.items = nil
	b.lastFlush = time.Now()
	if _, err := b.log.Publish(b.ctx, events.TypeHeaderBatch, batch); err != nil {
		return fmt.Errorf("publish header batch: %w", err)
	}
	return nil
}
