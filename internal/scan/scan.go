// Package scan selects the newsgroups worth indexing and publishes scan
// requests on the event log, either once or on a fixed cadence.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"log/slog"

	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/nntp"
)

var groupTokenRe = regexp.MustCompile(`[._-]+`)

var binaryTokens = map[string]struct{}{
	"bin":      {},
	"binary":   {},
	"binaries": {},
}

// IsBinaryGroup reports whether a group name looks like a binaries group.
func IsBinaryGroup(name string) bool {
	for _, token := range groupTokenRe.Split(strings.ToLower(name), -1) {
		if _, ok := binaryTokens[token]; ok {
			return true
		}
	}
	return false
}

// SnapshotEntry is one group in the cached discovery snapshot.
type SnapshotEntry struct {
	Group string `json:"group"`
	Low   int64  `json:"low"`
	High  int64  `json:"high"`
	Flags string `json:"flags,omitempty"`
}

// Lister is the slice of an NNTP session needed for group discovery.
type Lister interface {
	List() ([]nntp.Group, error)
}

// RefreshSnapshot fetches the server's group list and caches it at path.
func RefreshSnapshot(lister Lister, path string) (int, error) {
	groups, err := lister.List()
	if err != nil {
		return 0, fmt.Errorf("list groups: %w", err)
	}
	entries := make([]SnapshotEntry, 0, len(groups))
	for _, group := range groups {
		if group.Name == "" {
			continue
		}
		entries = append(entries, SnapshotEntry{
			Group: group.Name,
			Low:   group.Low,
			High:  group.High,
			Flags: group.Flags,
		})
	}
	encoded, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return len(entries), nil
}

// LoadSnapshot reads the cached snapshot and returns the binary groups in
// it, sorted and deduplicated. A missing or corrupt snapshot yields an
// empty list, not an error.
func LoadSnapshot(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entries []SnapshotEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Group)
		if name == "" || !IsBinaryGroup(name) {
			continue
		}
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrNoGroups indicates neither an override nor the snapshot produced any
// groups to scan.
var ErrNoGroups = errors.New("no groups selected")

// Coordinator publishes scan requests for a resolved group set.
type Coordinator struct {
	log          *events.Log
	logger       *slog.Logger
	snapshotPath string
	configured   []string
}

// NewCoordinator builds a coordinator. configured, when non-empty, takes
// precedence over the discovery snapshot at snapshotPath.
func NewCoordinator(log *events.Log, logger *slog.Logger, snapshotPath string, configured []string) *Coordinator {
	return &Coordinator{
		log:          log,
		logger:       logging.WithComponent(logger, "scan"),
		snapshotPath: snapshotPath,
		configured:   configured,
	}
}

// Groups resolves the group set: the configured override wins, otherwise
// the binary groups of the cached snapshot.
func (c *Coordinator) Groups() ([]string, error) {
	var out []string
	for _, group := range c.configured {
		if trimmed := strings.TrimSpace(group); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		out = LoadSnapshot(c.snapshotPath)
	}
	if len(out) == 0 {
		return nil, ErrNoGroups
	}
	return out, nil
}

// Request publishes one scan request for the resolved groups.
func (c *Coordinator) Request(ctx context.Context, lookback int64, reset bool) error {
	groups, err := c.Groups()
	if err != nil {
		return err
	}
	id, err := c.log.Publish(ctx, events.TypeScanRequested, events.ScanRequested{
		Groups:   groups,
		Lookback: lookback,
		Reset:    reset,
	})
	if err != nil {
		return fmt.Errorf("publish scan request: %w", err)
	}
	c.logger.Info("scan requested",
		"event_id", id,
		logging.Int("groups", len(groups)),
		logging.Int64("lookback", lookback),
		logging.Bool("reset", reset))
	return nil
}

// Run publishes scan requests on a fixed interval until ctx is cancelled.
// The first request fires immediately.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration, lookback int64) error {
	if interval <= 0 {
		return errors.New("scan interval must be positive")
	}
	for {
		if err := c.Request(ctx, lookback, false); err != nil {
			if errors.Is(err, ErrNoGroups) {
				return err
			}
			c.logger.Error("scan request failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
