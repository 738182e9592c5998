// Package aggregate rebuilds the release catalog from persisted facts: it
// groups facts into raw releases, merges them across groups, filters for
// completeness and policy, extracts metadata and regenerates manifests for
// complete releases that lack one.
package aggregate

import (
	"context"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/dustin/go-humanize"

	"newshound/internal/config"
	"newshound/internal/logging"
	"newshound/internal/nzb"
	"newshound/internal/nzbstore"
	"newshound/internal/release"
	"newshound/internal/store"
	"newshound/internal/verify"
)

// Engine performs one full catalog rebuild.
type Engine struct {
	cfg       *config.Config
	st        *store.Store
	manifests *nzbstore.Store
	logger    *slog.Logger
	// prober spot-checks regenerated manifests against the server. When
	// nil (no server reachable), manifests are archived unverified.
	prober verify.Stater
}

// NewEngine builds an aggregation engine. prober may be nil.
func NewEngine(cfg *config.Config, st *store.Store, manifests *nzbstore.Store, logger *slog.Logger, prober verify.Stater) *Engine {
	return &Engine{
		cfg:       cfg,
		st:        st,
		manifests: manifests,
		logger:    logging.WithComponent(logger, "aggregate"),
		prober:    prober,
	}
}

// Run rebuilds the raw release set and the catalog from the current facts.
func (e *Engine) Run(ctx context.Context) (store.AggregateStats, error) {
	started := time.Now()

	facts, err := e.st.Facts(ctx)
	if err != nil {
		return store.AggregateStats{}, err
	}

	raw := groupFacts(facts)
	if err := e.st.ReplaceRawReleases(ctx, raw); err != nil {
		return store.AggregateStats{}, err
	}

	merged := mergeRaw(raw)
	kept := e.filterMerged(merged)

	generated := e.generateManifests(ctx, kept)

	stats := store.AggregateStats{
		RanAt:              time.Now().UTC().Format(time.RFC3339),
		RawReleases:        len(raw),
		Kept:               len(kept),
		Rejected:           len(merged) - len(kept),
		ManifestsGenerated: generated,
	}
	if err := e.st.ReplaceCatalog(ctx, kept, stats); err != nil {
		return store.AggregateStats{}, err
	}

	e.logger.Info("catalog rebuilt",
		logging.Int("facts", len(facts)),
		logging.Int("raw_releases", len(raw)),
		logging.Int("kept", len(kept)),
		logging.Int("rejected", stats.Rejected),
		logging.Int("manifests_generated", generated),
		logging.Duration("elapsed", time.Since(started)))
	return stats, nil
}

type rawKey struct {
	norm   string
	poster string
	group  string
}

type rawEntry struct {
	store.RawRelease
	parts    map[int]struct{}
	subjects map[string]struct{}
}

// groupFacts is the first aggregation phase: facts collapse into one raw
// release per (normalized subject, poster, group).
func groupFacts(facts []store.Record) []store.RawRelease {
	entries := make(map[rawKey]*rawEntry)
	var order []rawKey

	get := func(key rawKey, init func(entry *rawEntry)) *rawEntry {
		entry, ok := entries[key]
		if !ok {
			entry = &rawEntry{
				parts:    make(map[int]struct{}),
				subjects: make(map[string]struct{}),
			}
			init(entry)
			entries[key] = entry
			order = append(order, key)
		}
		return entry
	}

	for _, fact := range facts {
		switch fact.Kind {
		case store.KindNZBFailed:
			key := rawKey{norm: "nzb_failed", poster: fact.Poster, group: fact.Group}
			entry := get(key, func(entry *rawEntry) {
				name := fact.Subject
				if name == "" {
					name = "NZB fetch failed"
				}
				entry.Name = name
				entry.NormalizedName = release.NormalizeSubject(fact.Subject)
				entry.FilenameHint = release.ExtractFilename(fact.Subject)
				entry.Poster = fact.Poster
				entry.Group = fact.Group
				entry.Source = "nzb"
				entry.FirstSeen = fact.Date
				entry.LastSeen = fact.Date
				entry.SourceSubject = fact.Subject
				entry.SourceArticle = fact.Article
				entry.SourceMessageID = fact.MessageID
				entry.FetchFailed = true
			})
			entry.subjects[fact.Subject] = struct{}{}

		case store.KindNZBFile:
			norm := release.NormalizeSubject(fact.Subject)
			key := rawKey{norm: norm, poster: fact.Poster, group: fact.Group}
			entry := get(key, func(entry *rawEntry) {
				name := norm
				if name == "" {
					name = fact.Subject
				}
				entry.Name = name
				entry.NormalizedName = name
				entry.FilenameHint = release.ExtractFilename(fact.Subject)
				entry.Poster = fact.Poster
				entry.Group = fact.Group
				entry.Source = "nzb"
				entry.FirstSeen = fact.Date
				entry.LastSeen = fact.Date
				if fact.Detail != nil {
					entry.SourceSubject = fact.Detail.SourceSubject
					entry.SourceArticle = fact.Detail.SourceArticle
					entry.SourceMessageID = fact.Detail.SourceMessageID
				}
			})
			entry.Bytes += fact.Bytes
			segments := 0
			if fact.Detail != nil {
				segments = fact.Detail.Segments
			}
			entry.Articles += segments
			entry.subjects[fact.Subject] = struct{}{}
			if segments > 0 {
				for part := 1; part <= segments; part++ {
					entry.parts[part] = struct{}{}
				}
				if segments > entry.PartTotal {
					entry.PartTotal = segments
				}
			}

		case store.KindHeader:
			norm := release.NormalizeSubject(fact.Subject)
			partNum, partTotal := release.ParsePart(fact.Subject)
			key := rawKey{norm: norm, poster: fact.Poster, group: fact.Group}
			entry := get(key, func(entry *rawEntry) {
				name := norm
				if name == "" {
					name = fact.Subject
				}
				entry.Name = name
				entry.NormalizedName = name
				entry.Poster = fact.Poster
				entry.Group = fact.Group
				entry.Source = "header"
				entry.FirstSeen = fact.Date
				entry.LastSeen = fact.Date
				entry.MessageID = fact.MessageID
			})
			entry.Bytes += fact.Bytes
			entry.Articles++
			if fact.Date != "" {
				entry.LastSeen = fact.Date
				if entry.FirstSeen == "" {
					entry.FirstSeen = fact.Date
				}
			}
			if partNum > 0 {
				entry.parts[partNum] = struct{}{}
			}
			if partTotal > entry.PartTotal {
				entry.PartTotal = partTotal
			}
			if fact.Subject != "" {
				entry.subjects[fact.Subject] = struct{}{}
				if entry.FilenameHint == "" {
					entry.FilenameHint = release.ExtractFilename(fact.Subject)
				}
			}
		}
	}

	out := make([]store.RawRelease, 0, len(order))
	for _, key := range order {
		entry := entries[key]
		raw := entry.RawRelease
		raw.Key = entry.Group + "|" + entry.Poster + "|" + entry.Name
		raw.PartNumbers = sortedParts(entry.parts)
		raw.PartsReceived = len(entry.parts)
		raw.PartsExpected = entry.PartTotal
		if raw.PartsExpected == 0 {
			raw.PartsExpected = raw.PartsReceived
		}
		raw.SizeHuman = humanize.Bytes(uint64(raw.Bytes))
		raw.Subjects = sortedStrings(entry.subjects)
		out = append(out, raw)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}

type mergedRelease struct {
	name            string
	normalizedName  string
	poster          string
	groups          map[string]struct{}
	bytes           int64
	firstSeen       string
	lastSeen        string
	parts           map[int]struct{}
	partsExpected   int
	filenameGuess   string
	fetchFailed     bool
	sourceSubject   string
	sourceArticle   int64
	sourceMessageID string
}

// mergeRaw is the cross-group phase: raw releases with the same normalized
// name and poster combine into one candidate.
func mergeRaw(raw []store.RawRelease) []*mergedRelease {
	merged := make(map[string]*mergedRelease)
	var order []string

	for _, entry := range raw {
		normalized := entry.NormalizedName
		if normalized == "" {
			normalized = release.NormalizeName(entry.Name)
		}
		key := normalized + "|" + entry.Poster

		parts := make(map[int]struct{}, len(entry.PartNumbers))
		for _, part := range entry.PartNumbers {
			parts[part] = struct{}{}
		}
		partTotal := entry.PartTotal
		if partTotal == 0 {
			partTotal = entry.PartsExpected
		}
		if len(parts) == 0 {
			extracted, extractedTotal := release.ExtractParts(entry.Subjects)
			parts = extracted
			if extractedTotal > partTotal {
				partTotal = extractedTotal
			}
		}
		guessed := release.PickFilename(entry.Subjects)

		bucket, ok := merged[key]
		if !ok {
			name := entry.FilenameHint
			if name == "" {
				name = guessed
			}
			if name == "" {
				name = entry.Name
			}
			bucket = &mergedRelease{
				name:           name,
				normalizedName: normalized,
				poster:         entry.Poster,
				groups:         make(map[string]struct{}),
				firstSeen:      entry.FirstSeen,
				lastSeen:       entry.LastSeen,
				parts:          make(map[int]struct{}),
				filenameGuess:  guessed,
			}
			merged[key] = bucket
			order = append(order, key)
		}

		bucket.groups[entry.Group] = struct{}{}
		bucket.bytes += entry.Bytes
		for part := range parts {
			bucket.parts[part] = struct{}{}
		}
		if partTotal > bucket.partsExpected {
			bucket.partsExpected = partTotal
		}
		if entry.FirstSeen != "" && (bucket.firstSeen == "" || entry.FirstSeen < bucket.firstSeen) {
			bucket.firstSeen = entry.FirstSeen
		}
		if entry.LastSeen != "" && (bucket.lastSeen == "" || entry.LastSeen > bucket.lastSeen) {
			bucket.lastSeen = entry.LastSeen
		}
		if entry.FetchFailed {
			bucket.fetchFailed = true
		}
		if entry.SourceSubject != "" && bucket.sourceSubject == "" {
			bucket.sourceSubject = entry.SourceSubject
		}
		if entry.SourceArticle != 0 && bucket.sourceArticle == 0 {
			bucket.sourceArticle = entry.SourceArticle
		}
		if entry.SourceMessageID != "" && bucket.sourceMessageID == "" {
			bucket.sourceMessageID = entry.SourceMessageID
		}
	}

	out := make([]*mergedRelease, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out
}

// filterMerged is the policy phase: incomplete, denied and archive-part
// candidates drop; survivors gain metadata, tags and a catalog key, with
// one row per (name, poster) keeping the most recent sighting.
func (e *Engine) filterMerged(merged []*mergedRelease) []store.Release {
	var out []store.Release
	for _, candidate := range merged {
		if e.rejected(candidate) {
			continue
		}

		meta := release.ParseMetadata(candidate.name)
		groups := make([]string, 0, len(candidate.groups))
		for group := range candidate.groups {
			if group != "" {
				groups = append(groups, group)
			}
		}
		sort.Strings(groups)

		out = append(out, store.Release{
			Key:             candidate.name + "|" + candidate.poster,
			Name:            candidate.name,
			NormalizedName:  candidate.normalizedName,
			FilenameGuess:   candidate.filenameGuess,
			FetchFailed:     candidate.fetchFailed,
			SourceSubject:   candidate.sourceSubject,
			SourceArticle:   candidate.sourceArticle,
			SourceMessageID: candidate.sourceMessageID,
			Groups:          groups,
			Poster:          candidate.poster,
			Bytes:           candidate.bytes,
			SizeHuman:       humanize.Bytes(uint64(candidate.bytes)),
			FirstSeen:       candidate.firstSeen,
			LastSeen:        candidate.lastSeen,
			PartsExpected:   candidate.partsExpected,
			PartsReceived:   len(candidate.parts),
			Type:            meta.Type,
			Quality:         meta.Quality,
			Source:          meta.Source,
			Codec:           meta.Codec,
			Audio:           meta.Audio,
			Languages:       meta.Languages,
			Subtitles:       meta.Subtitles,
			Tags:            release.BuildTags(candidate.name, candidate.filenameGuess),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })

	seen := make(map[string]struct{}, len(out))
	deduped := out[:0]
	for _, entry := range out {
		if _, dup := seen[entry.Key]; dup {
			continue
		}
		seen[entry.Key] = struct{}{}
		deduped = append(deduped, entry)
	}
	return deduped
}

func (e *Engine) rejected(candidate *mergedRelease) bool {
	name := strings.ToLower(candidate.name)
	filename := strings.ToLower(candidate.filenameGuess)

	if strings.HasSuffix(name, ".nzb") || strings.HasSuffix(filename, ".nzb") {
		return true
	}
	for _, word := range e.cfg.Filters.Denylist {
		if word != "" && strings.Contains(name, strings.ToLower(word)) {
			return true
		}
	}
	for _, ext := range e.cfg.Filters.ArchiveExtensions {
		ext = strings.ToLower(ext)
		if ext != "" && (strings.HasSuffix(name, ext) || strings.HasSuffix(filename, ext)) {
			return true
		}
	}
	return !release.IsComplete(len(candidate.parts), candidate.partsExpected)
}

// generateManifests builds manifests for complete releases that have none
// yet, from the header facts that carried their parts.
func (e *Engine) generateManifests(ctx context.Context, releases []store.Release) int {
	if e.manifests == nil {
		return 0
	}
	generated := 0
	for _, entry := range releases {
		existing, err := e.manifests.FindByRelease(ctx, entry.Key)
		if err != nil {
			e.logger.Error("manifest lookup failed", "release", entry.Key, logging.Error(err))
			continue
		}
		if len(existing) > 0 {
			continue
		}

		segments := e.buildSegments(ctx, entry)
		if len(segments) == 0 {
			continue
		}

		if e.prober != nil {
			messageIDs := make([]string, 0, len(segments))
			for _, segment := range segments {
				messageIDs = append(messageIDs, segment.MessageID)
			}
			if err := verify.MessageIDs(ctx, e.prober, messageIDs, e.cfg.Manifests.VerifySample); err != nil {
				if storeErr := e.manifests.PutInvalid(ctx, nzbstore.SourceGenerated,
					"", entry.Name, firstOf(entry.Groups), err.Error()); storeErr != nil {
					e.logger.Error("invalid manifest not recorded", logging.Error(storeErr))
				}
				continue
			}
		}

		payload, err := nzb.BuildXML(entry.Name, entry.Poster, entry.Groups, segments)
		if err != nil {
			e.logger.Error("manifest build failed", "release", entry.Key, logging.Error(err))
			continue
		}
		manifest := nzbstore.Manifest{
			Source:     nzbstore.SourceGenerated,
			ReleaseKey: entry.Key,
			Name:       entry.Name,
			Group:      firstOf(entry.Groups),
			Payload:    string(payload),
		}
		key, err := e.manifests.Put(ctx, manifest)
		if err != nil {
			e.logger.Error("manifest not stored", "release", entry.Key, logging.Error(err))
			continue
		}
		generated++

		if e.cfg.Manifests.SaveToDisk && e.cfg.Manifests.Dir != "" {
			manifest.Key = key
			if _, err := nzbstore.WriteFile(e.cfg.Manifests.Dir, manifest); err != nil {
				e.logger.Error("manifest file not written", logging.Error(err))
			}
		}
	}
	return generated
}

// buildSegments reconstructs the ordered segment list of a release from
// header facts. It returns nil unless every expected part is found.
func (e *Engine) buildSegments(ctx context.Context, entry store.Release) []nzb.Segment {
	normalized := release.NormalizeSubject(entry.NormalizedName)
	if normalized == "" {
		normalized = release.NormalizeSubject(entry.Name)
	}
	if normalized == "" || entry.Poster == "" || len(entry.Groups) == 0 || entry.PartsExpected <= 0 {
		return nil
	}

	headers, err := e.st.HeaderSegments(ctx, entry.Poster, entry.Groups)
	if err != nil {
		e.logger.Error("header lookup failed", "release", entry.Key, logging.Error(err))
		return nil
	}

	byPart := make(map[int]nzb.Segment)
	for _, header := range headers {
		if release.NormalizeSubject(header.Subject) != normalized {
			continue
		}
		partNum, _ := release.ParsePart(header.Subject)
		if partNum <= 0 || header.MessageID == "" {
			continue
		}
		if _, dup := byPart[partNum]; dup {
			continue
		}
		byPart[partNum] = nzb.Segment{
			MessageID: header.MessageID,
			Bytes:     header.Bytes,
			Number:    partNum,
		}
		if len(byPart) >= entry.PartsExpected {
			break
		}
	}
	if len(byPart) != entry.PartsExpected {
		return nil
	}

	numbers := make([]int, 0, len(byPart))
	for number := range byPart {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)
	segments := make([]nzb.Segment, 0, len(numbers))
	for _, number := range numbers {
		segments = append(segments, byPart[number])
	}
	return segments
}

func sortedParts(parts map[int]struct{}) []int {
	out := make([]int, 0, len(parts))
	for part := range parts {
		out = append(out, part)
	}
	sort.Ints(out)
	return out
}

func sortedStrings(values map[string]struct{}) []string {
	out := make([]string, 0, len(values))
	for value := range values {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
