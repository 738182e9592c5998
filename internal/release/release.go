// Package release turns raw article subjects into release identities:
// subject normalization, part counting, filename recovery and metadata
// extraction.
package release

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	partRe       = regexp.MustCompile(`(?:\(|\[)?\s*(\d{1,4})\s*/\s*(\d{1,4})\s*(?:\)|\])`)
	partFileRe   = regexp.MustCompile(`(?i)\.part\d{1,4}\.[^\s"']+`)
	par2VolRe    = regexp.MustCompile(`(?i)\.vol\d{1,4}\+\d{1,4}\.par2\b`)
	par2Re       = regexp.MustCompile(`(?i)\.par2\b`)
	nzbExtRe     = regexp.MustCompile(`(?i)\.nzb\b`)
	yencTrailRe  = regexp.MustCompile(`(?i)\s+yenc\b.*$`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	quotedFilenameRe = regexp.MustCompile(`(?i)"([^"]+\.(?:mkv|mp4|avi|mov|rar|r\d+|7z|zip|par2|nzb|png|jpg|jpeg|gif|bmp))"`)
	tokenFilenameRe  = regexp.MustCompile(`(?i)\b[^\s"']+\.(?:mkv|mp4|avi|mov|rar|r\d+|7z|zip|par2|nzb|png|jpg|jpeg|gif|bmp)\b`)

	hintQuotedRe = regexp.MustCompile(`(?i)"([^"]+\.(?:rar|r\d+|7z|zip|par2|nzb|mkv|mp4|avi))"`)
	hintTokenRe  = regexp.MustCompile(`(?i)\b[^\s"']+\.(?:rar|r\d+|7z|zip|par2|nzb|mkv|mp4|avi)\b`)

	partStemRe   = regexp.MustCompile(`(?i)\.part\d{1,4}\.`)
	par2VolEndRe = regexp.MustCompile(`(?i)\.vol\d{1,4}\+\d{1,4}\.par2$`)
)

const trimCutset = " -_[]()\t"

// NormalizeSubject reduces an article subject to its release identity:
// yEnc suffixes, part counters, archive part names and index extensions
// are removed, whitespace collapsed. Normalizing twice yields the same
// result.
func NormalizeSubject(subject string) string {
	subject = yencTrailRe.ReplaceAllString(subject, "")
	subject = partRe.ReplaceAllString(subject, "")
	subject = partFileRe.ReplaceAllString(subject, "")
	subject = par2VolRe.ReplaceAllString(subject, "")
	subject = par2Re.ReplaceAllString(subject, "")
	subject = nzbExtRe.ReplaceAllString(subject, "")
	subject = whitespaceRe.ReplaceAllString(subject, " ")
	return strings.Trim(subject, trimCutset)
}

// NormalizeName is NormalizeSubject for release names, which never carry a
// yEnc suffix.
func NormalizeName(name string) string {
	if name == "" {
		return ""
	}
	name = partRe.ReplaceAllString(name, "")
	name = partFileRe.ReplaceAllString(name, "")
	name = par2VolRe.ReplaceAllString(name, "")
	name = par2Re.ReplaceAllString(name, "")
	name = nzbExtRe.ReplaceAllString(name, "")
	name = whitespaceRe.ReplaceAllString(name, " ")
	return strings.Trim(name, trimCutset)
}

// ParsePart extracts the (n/total) counter from a subject. Both values are
// zero when no counter is present.
func ParsePart(subject string) (int, int) {
	match := partRe.FindStringSubmatch(subject)
	if match == nil {
		return 0, 0
	}
	num, _ := strconv.Atoi(match[1])
	total, _ := strconv.Atoi(match[2])
	return num, total
}

// ExtractFilename pulls a filename hint out of a subject, preferring a
// quoted name over a bare token. Empty when no recognizable name appears.
func ExtractFilename(subject string) string {
	if match := hintQuotedRe.FindStringSubmatch(subject); match != nil {
		return match[1]
	}
	return hintTokenRe.FindString(subject)
}

// NormalizeFilename strips quoting, multi-part suffixes and par2 volume
// counters from a recovered filename.
func NormalizeFilename(name string) string {
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	name = partStemRe.ReplaceAllString(name, ".")
	name = par2VolEndRe.ReplaceAllString(name, ".par2")
	return name
}

// FilenameCandidates extracts one normalized filename per subject that
// carries one.
func FilenameCandidates(subjects []string) []string {
	var candidates []string
	for _, subject := range subjects {
		if match := quotedFilenameRe.FindStringSubmatch(subject); match != nil {
			candidates = append(candidates, NormalizeFilename(match[1]))
			continue
		}
		if match := tokenFilenameRe.FindString(subject); match != "" {
			candidates = append(candidates, NormalizeFilename(match))
		}
	}
	return candidates
}

var filenamePriority = []string{
	".mkv", ".mp4", ".avi", ".mov",
	".png", ".jpg", ".jpeg", ".gif", ".bmp",
	".rar", ".7z", ".zip", ".par2", ".nzb",
}

// PickFilename chooses the most useful filename among the subjects: media
// containers beat images beat archives. Empty when no subject carries one.
func PickFilename(subjects []string) string {
	candidates := FilenameCandidates(subjects)
	if len(candidates) == 0 {
		return ""
	}
	for _, ext := range filenamePriority {
		for _, name := range candidates {
			if strings.HasSuffix(strings.ToLower(name), ext) {
				return name
			}
		}
	}
	return candidates[0]
}

// ExtractParts collects the distinct part numbers and the highest declared
// total across a set of subjects.
func ExtractParts(subjects []string) (map[int]struct{}, int) {
	parts := make(map[int]struct{})
	maxTotal := 0
	for _, subject := range subjects {
		num, total := ParsePart(subject)
		if num == 0 && total == 0 {
			continue
		}
		parts[num] = struct{}{}
		if total > maxTotal {
			maxTotal = total
		}
	}
	return parts, maxTotal
}

// IsComplete reports whether every expected part was observed.
func IsComplete(received, expected int) bool {
	return expected > 0 && received == expected
}
