// Package expand is the index expansion stage: it fetches the bodies of
// flagged NZB candidate articles, parses the manifests inside them into
// per-file facts and archives verified manifests.
package expand

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"log/slog"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/nntp"
	"newshound/internal/nzb"
	"newshound/internal/nzbstore"
	"newshound/internal/store"
	"newshound/internal/verify"
	"newshound/internal/worker"
)

// Service is the cursor name of the expansion loop.
const Service = "expand"

// Session is the slice of an NNTP connection the expander needs.
type Session interface {
	SelectGroup(name string) (nntp.GroupStatus, error)
	Body(article string) ([]string, error)
	Article(article string) ([]string, error)
	Stat(article string) (string, error)
	Quit()
}

// Dialer opens a fresh NNTP session.
type Dialer func() (Session, error)

// Worker consumes nzb_seen events and expands the referenced articles.
type Worker struct {
	cfg       *config.Config
	log       *events.Log
	manifests *nzbstore.Store
	logger    *slog.Logger
	dial      Dialer
	session   Session
}

// New builds the expansion worker. dial may be nil, in which case a real
// NNTP connection is made from the server configuration. The connection is
// opened lazily and re-opened after fetch failures.
func New(cfg *config.Config, log *events.Log, manifests *nzbstore.Store, logger *slog.Logger, dial Dialer) *Worker {
	w := &Worker{
		cfg:       cfg,
		log:       log,
		manifests: manifests,
		logger:    logging.WithComponent(logger, Service),
		dial:      dial,
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
	defer w.dropSession()
	return worker.Run(ctx, worker.Options{
		Service:   Service,
		Log:       w.log,
		Logger:    w.logger,
		Poll:      w.cfg.PollInterval(),
		ReadLimit: w.cfg.Events.ReadLimit,
		Handle:    w.handle,
	})
}

func (w *Worker) ensureSession() (Session, error) {
	if w.session != nil {
		return w.session, nil
	}
	session, err := w.dial()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	w.session = session
	return session, nil
}

func (w *Worker) dropSession() {
	if w.session != nil {
		w.session.Quit()
		w.session = nil
	}
}

func isTransportError(err error) bool {
	var protoErr *nntp.ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (w *Worker) handle(ctx context.Context, event events.Event) error {
	if event.Type != events.TypeNZBSeen {
		return nil
	}
	seen, err := events.Decode[events.NZBSeen](event)
	if err != nil {
		return err
	}
	return w.expand(ctx, seen)
}

func (w *Worker) expand(ctx context.Context, seen events.NZBSeen) error {
	session, err := w.ensureSession()
	if err != nil {
		return err
	}

	lines, fetchErr := w.fetchBody(session, seen)
	if fetchErr != nil {
		// Both fetch paths failed; record the failure as a fact and drop
		// the connection in case it went stale.
		w.dropSession()
		w.logger.Info("index fetch failed",
			"group", seen.Group,
			logging.Int64("article", seen.Article),
			logging.Error(fetchErr))
		if _, err := w.log.Publish(ctx, events.TypeNZBFailed, store.Record{
			Group:     seen.Group,
			Kind:      store.KindNZBFailed,
			Article:   seen.Article,
			Subject:   seen.Subject,
			Poster:    seen.Poster,
			Date:      seen.Date,
			MessageID: seen.MessageID,
		}); err != nil {
			return fmt.Errorf("publish nzb_failed: %w", err)
		}
		return nil
	}

	if payload, ok := nzb.PayloadFromBody(lines); ok {
		w.archiveManifest(ctx, session, seen, payload)

		files, err := nzb.ParseFiles(payload)
		if err != nil {
			w.logger.Info("manifest parse failed",
				"group", seen.Group,
				logging.Int64("article", seen.Article),
				logging.Error(err))
		}
		for _, file := range files {
			group := seen.Group
			if len(file.Groups) > 0 {
				group = file.Groups[0]
			}
			poster := file.Poster
			if poster == "" {
				poster = seen.Poster
			}
			if _, err := w.log.Publish(ctx, events.TypeNZBFile, store.Record{
				Group:     group,
				Kind:      store.KindNZBFile,
				Article:   seen.Article,
				Subject:   file.Subject,
				Poster:    poster,
				Date:      seen.Date,
				Bytes:     file.Bytes,
				MessageID: seen.MessageID,
				Detail: &store.Detail{
					Segments:        file.Segments,
					SourceSubject:   seen.Subject,
					SourceArticle:   seen.Article,
					SourceMessageID: seen.MessageID,
				},
			}); err != nil {
				return fmt.Errorf("publish nzb_file: %w", err)
			}
		}
	}

	if _, err := w.log.Publish(ctx, events.TypeNZBParsed, events.NZBParsed{
		Group:   seen.Group,
		Article: seen.Article,
	}); err != nil {
		return fmt.Errorf("publish nzb_parsed: %w", err)
	}
	return nil
}

// fetchBody tries BODY first and falls back to ARTICLE with the headers
// stripped, matching servers that refuse BODY by message-id.
func (w *Worker) fetchBody(session Session, seen events.NZBSeen) ([]string, error) {
	target := seen.MessageID
	if target == "" {
		target = strconv.FormatInt(seen.Article, 10)
	}

	if _, err := session.SelectGroup(seen.Group); err != nil {
		return nil, err
	}
	lines, bodyErr := session.Body(target)
	if bodyErr == nil {
		return lines, nil
	}

	if _, err := session.SelectGroup(seen.Group); err != nil {
		return nil, err
	}
	lines, articleErr := session.Article(target)
	if articleErr != nil {
		return nil, fmt.Errorf("body: %v; article: %w", bodyErr, articleErr)
	}
	return nntp.StripArticleHeaders(lines), nil
}

func (w *Worker) archiveManifest(ctx context.Context, session Session, seen events.NZBSeen, payload string) {
	if w.manifests == nil {
		return
	}
	name := seen.Subject
	if name == "" {
		name = "nzb"
	}

	segments, err := nzb.ParseSegments(payload)
	if err != nil {
		if storeErr := w.manifests.PutInvalid(ctx, nzbstore.SourceFound,
			seen.MessageID, name, seen.Group, err.Error()); storeErr != nil {
			w.logger.Error("invalid manifest not recorded", logging.Error(storeErr))
		}
		return
	}
	messageIDs := make([]string, 0, len(segments))
	for _, segment := range segments {
		messageIDs = append(messageIDs, segment.MessageID)
	}
	if err := verify.MessageIDs(ctx, session, messageIDs, w.cfg.Manifests.VerifySample); err != nil {
		// A transport failure mid-verification means the session is dead;
		// a protocol answer (430 and friends) leaves it usable.
		if isTransportError(err) {
			w.dropSession()
		}
		if storeErr := w.manifests.PutInvalid(ctx, nzbstore.SourceFound,
			seen.MessageID, name, seen.Group, err.Error()); storeErr != nil {
			w.logger.Error("invalid manifest not recorded", logging.Error(storeErr))
		}
		return
	}

	manifest := nzbstore.Manifest{
		Source:    nzbstore.SourceFound,
		MessageID: seen.MessageID,
		Name:      name,
		Group:     seen.Group,
		Payload:   payload,
	}
	key, err := w.manifests.Put(ctx, manifest)
	if err != nil {
		w.logger.Error("manifest not stored", logging.Error(err))
		return
	}
	w.logger.Info("manifest archived",
		"group", seen.Group,
		"key", key,
		logging.Int("segments", len(segments)))

	if w.cfg.Manifests.SaveToDisk && w.cfg.Manifests.Dir != "" {
		manifest.Key = key
		if _, err := nzbstore.WriteFile(w.cfg.Manifests.Dir, manifest); err != nil {
			w.logger.Error("manifest file not written", logging.Error(err))
		}
	}
}
