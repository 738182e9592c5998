// Package verify spot-checks that the article segments of a manifest are
// still retrievable before the manifest is stored.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// Stater is the slice of an NNTP session needed for verification.
type Stater interface {
	Stat(article string) (string, error)
}

// ErrNoSegments indicates a manifest without any segments to verify.
var ErrNoSegments = errors.New("no segments")

// Sample selects the message-ids to probe: always the first and last, plus
// up to size-2 random distinct ids from the middle. size <= 0 disables
// sampling and returns every id.
func Sample(messageIDs []string, size int) []string {
	if size <= 0 || len(messageIDs) <= size {
		return messageIDs
	}
	head := messageIDs[0]
	tail := messageIDs[len(messageIDs)-1]
	middle := messageIDs[1 : len(messageIDs)-1]

	pickCount := size - 2
	if pickCount < 0 {
		pickCount = 0
	}
	if pickCount > len(middle) {
		pickCount = len(middle)
	}
	picked := make([]string, 0, pickCount)
	if pickCount > 0 {
		perm := rand.Perm(len(middle))
		for _, idx := range perm[:pickCount] {
			picked = append(picked, middle[idx])
		}
	}

	seen := make(map[string]struct{}, pickCount+2)
	out := make([]string, 0, pickCount+2)
	for _, id := range append(append([]string{head}, picked...), tail) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// MessageIDs probes a sample of the given message-ids against the server.
// A nil error means every probed segment exists.
func MessageIDs(ctx context.Context, client Stater, messageIDs []string, sampleSize int) error {
	if len(messageIDs) == 0 {
		return ErrNoSegments
	}
	for _, id := range Sample(messageIDs, sampleSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return errors.New("missing message-id")
		}
		if !strings.HasPrefix(id, "<") {
			id = "<" + id + ">"
		}
		if _, err := client.Stat(id); err != nil {
			return fmt.Errorf("stat %s: %w", id, err)
		}
	}
	return nil
}
