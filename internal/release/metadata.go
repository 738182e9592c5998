package release

import (
	"regexp"
	"sort"
	"strings"
)

var (
	qualityRe  = regexp.MustCompile(`(?i)\b(2160p|1080p|720p|576p|480p)\b`)
	sourceRe   = regexp.MustCompile(`(?i)\b(bluray|bdrip|brrip|web[-_. ]?dl|webrip|hdtv|dvd|dvdrip)\b`)
	codecRe    = regexp.MustCompile(`(?i)\b(x264|x265|h\.?264|h\.?265|hevc)\b`)
	audioRe    = regexp.MustCompile(`(?i)\b(aac|ac3|eac3|dts|flac|mp3)\b`)
	subRe      = regexp.MustCompile(`(?i)\b(subs?|subbed|subpack|subtitles?|multi[-_. ]?sub)\b`)
	languageRe = regexp.MustCompile(`(?i)^(english|eng|french|fre|fr|spanish|spa|es|german|ger|de|italian|ita|pt|por|portuguese)$`)
	tvTagRe    = regexp.MustCompile(`(?i)\bS\d{1,2}E\d{1,3}\b`)
	seasonRe   = regexp.MustCompile(`(?i)\bS(?:eason)?\s*\d{1,2}\b`)
	tokenSepRe = regexp.MustCompile(`[\s._-]+`)
)

// Metadata is the structured classification of a release name.
type Metadata struct {
	Type      string
	Quality   string
	Source    string
	Codec     string
	Audio     string
	Languages []string
	Subtitles bool
}

// ParseMetadata classifies a release name: type, quality, source, codec,
// audio, language tokens and a subtitle flag. Fields the name does not
// reveal stay empty; Type falls back to "unknown".
func ParseMetadata(name string) Metadata {
	meta := Metadata{
		Type:    "unknown",
		Quality: firstGroup(qualityRe, name),
		Source:  firstGroup(sourceRe, name),
		Codec:   firstGroup(codecRe, name),
		Audio:   firstGroup(audioRe, name),
	}

	seen := make(map[string]struct{})
	for _, token := range tokenSepRe.Split(name, -1) {
		token = strings.ToLower(token)
		if token != "" && languageRe.MatchString(token) {
			seen[token] = struct{}{}
		}
	}
	for token := range seen {
		meta.Languages = append(meta.Languages, token)
	}
	sort.Strings(meta.Languages)

	meta.Subtitles = subRe.MatchString(name)
	if tvTagRe.MatchString(name) || seasonRe.MatchString(name) {
		meta.Type = "tv"
	}
	return meta
}

func firstGroup(re *regexp.Regexp, text string) string {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return strings.ToLower(match[1])
}
