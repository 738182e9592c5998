package release

import (
	"regexp"
	"sort"
	"strings"
)

type tagRule struct {
	tag string
	re  *regexp.Regexp
}

var tagRules = []tagRule{
	{"resolution:2160p", regexp.MustCompile(`\b2160p\b`)},
	{"resolution:1080p", regexp.MustCompile(`\b1080p\b`)},
	{"resolution:720p", regexp.MustCompile(`\b720p\b`)},
	{"resolution:576p", regexp.MustCompile(`\b576p\b`)},
	{"resolution:480p", regexp.MustCompile(`\b480p\b`)},

	{"hdr:hdr10+", regexp.MustCompile(`\bhdr10\+|\bhdr10plus\b`)},
	{"hdr:hdr10", regexp.MustCompile(`\bhdr10\b`)},
	{"hdr:dv", regexp.MustCompile(`\bdolby[ .-]?vision\b|\bdv\b`)},
	{"hdr:hlg", regexp.MustCompile(`\bhlg\b`)},
	{"hdr:sdr", regexp.MustCompile(`\bsdr\b`)},

	{"format:hevc", regexp.MustCompile(`\b(x265|h265|hevc)\b`)},
	{"format:h264", regexp.MustCompile(`\b(x264|h264|avc)\b`)},
	{"format:av1", regexp.MustCompile(`\bav1\b`)},
	{"format:vp9", regexp.MustCompile(`\bvp9\b`)},

	{"source:web-dl", regexp.MustCompile(`\bweb[-. ]?dl\b`)},
	{"source:webrip", regexp.MustCompile(`\bwebrip\b`)},
	{"source:bluray", regexp.MustCompile(`\bbluray\b|\bblu[-. ]?ray\b`)},
	{"source:hdtv", regexp.MustCompile(`\bhdtv\b`)},
	{"source:remux", regexp.MustCompile(`\bremux\b`)},
	{"source:uhd", regexp.MustCompile(`\buhd\b`)},

	{"audio:dts", regexp.MustCompile(`\bdts[-. ]?hd\b|\bdts\b`)},
	{"audio:truehd", regexp.MustCompile(`\btruehd\b`)},
	{"audio:atmos", regexp.MustCompile(`\batmos\b`)},
	{"audio:aac", regexp.MustCompile(`\baac\b`)},
	{"audio:eac3", regexp.MustCompile(`\beac3\b|\bddp\b`)},
	{"audio:ac3", regexp.MustCompile(`\bac3\b|\bdolby[ .-]?digital\b`)},

	{"container:mkv", regexp.MustCompile(`\bmkv\b`)},
	{"container:mp4", regexp.MustCompile(`\bmp4\b`)},
	{"container:avi", regexp.MustCompile(`\bavi\b`)},

	{"other:repack", regexp.MustCompile(`\brepack\b`)},
	{"other:proper", regexp.MustCompile(`\bproper\b`)},
	{"other:remastered", regexp.MustCompile(`\bremastered\b`)},
	{"other:extended", regexp.MustCompile(`\bextended\b`)},
	{"other:10bit", regexp.MustCompile(`\b10[- ]?bit\b`)},
}

// BuildTags derives the sorted tag set of a release from its name and
// recovered filename.
func BuildTags(name, filename string) []string {
	var parts []string
	for _, part := range []string{name, filename} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	text := strings.ToLower(strings.Join(parts, " "))

	seen := make(map[string]struct{})
	for _, rule := range tagRules {
		if rule.re.MatchString(text) {
			seen[rule.tag] = struct{}{}
		}
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
