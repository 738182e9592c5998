package store

import (
	"context"
	"fmt"
)

// Stats is a point-in-time summary of the index, for the status command.
type Stats struct {
	GroupsScanned  int
	HeaderFacts    int64
	NZBFileFacts   int64
	NZBFailedFacts int64
	Releases       int64
	LastRun        AggregateStats
	HasRun         bool
}

// CollectStats gathers summary counters across the index tables.
func (s *Store) CollectStats(ctx context.Context) (Stats, error) {
	var stats Stats

	watermarks, err := s.Watermarks(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.GroupsScanned = len(watermarks)

	if stats.HeaderFacts, err = s.CountFacts(ctx, KindHeader); err != nil {
		return Stats{}, err
	}
	if stats.NZBFileFacts, err = s.CountFacts(ctx, KindNZBFile); err != nil {
		return Stats{}, err
	}
	if stats.NZBFailedFacts, err = s.CountFacts(ctx, KindNZBFailed); err != nil {
		return Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM releases`).Scan(&stats.Releases); err != nil {
		return Stats{}, fmt.Errorf("count releases: %w", err)
	}

	stats.LastRun, stats.HasRun, err = s.LastAggregateRun(ctx)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}
