// Package nzb parses and builds NZB manifest documents: the XML index
// files that map a binary release to the article segments carrying it.
package nzb

import (
	"encoding/xml"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"newshound/internal/yenc"
)

const namespace = "http://www.newzbin.com/DTD/2003/nzb"

var markerRe = regexp.MustCompile(`(?i)<nzb\b`)

// ErrNotManifest indicates a payload that does not contain an NZB document.
var ErrNotManifest = errors.New("payload is not an nzb document")

// Segment is one article of a file within a manifest.
type Segment struct {
	MessageID string
	Bytes     int64
	Number    int
}

// File is one file entry of a manifest, with its segment roll-up.
type File struct {
	Subject  string
	Poster   string
	Groups   []string
	Segments int
	Bytes    int64
}

// HasMarker reports whether text contains an NZB document opener.
func HasMarker(text string) bool {
	return markerRe.MatchString(text)
}

// PayloadFromBody recovers an NZB document from article body lines. Plain
// XML bodies are returned as-is; yEnc encoded bodies are decoded first. ok
// is false when no document can be recovered.
func PayloadFromBody(lines []string) (string, bool) {
	text := strings.Join(lines, "\n")
	if HasMarker(text) {
		return text, true
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "=ybegin") {
			decoded := string(yenc.Decode(lines))
			if HasMarker(decoded) {
				return decoded, true
			}
			break
		}
	}
	return "", false
}

type xmlSegment struct {
	Bytes  string `xml:"bytes,attr"`
	Number string `xml:"number,attr"`
	ID     string `xml:",chardata"`
}

type xmlFile struct {
	Subject  string       `xml:"subject,attr"`
	Poster   string       `xml:"poster,attr"`
	Groups   []string     `xml:"groups>group"`
	Segments []xmlSegment `xml:"segments>segment"`
}

type xmlDocument struct {
	XMLName xml.Name  `xml:"nzb"`
	Files   []xmlFile `xml:"file"`
}

func parseDocument(payload string) (xmlDocument, error) {
	if !HasMarker(payload) {
		return xmlDocument{}, ErrNotManifest
	}
	var doc xmlDocument
	if err := xml.Unmarshal([]byte(payload), &doc); err != nil {
		return xmlDocument{}, err
	}
	return doc, nil
}

// ParseFiles extracts the file entries of a manifest payload. Malformed
// numeric attributes count as zero rather than failing the whole document.
func ParseFiles(payload string) ([]File, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(doc.Files))
	for _, entry := range doc.Files {
		file := File{
			Subject:  entry.Subject,
			Poster:   entry.Poster,
			Segments: len(entry.Segments),
		}
		for _, group := range entry.Groups {
			if trimmed := strings.TrimSpace(group); trimmed != "" {
				file.Groups = append(file.Groups, trimmed)
			}
		}
		for _, segment := range entry.Segments {
			file.Bytes += parseInt64(segment.Bytes)
		}
		files = append(files, file)
	}
	return files, nil
}

// ParseSegments extracts every segment of a manifest payload across all
// files, with message-id angle brackets stripped. Segments without a
// message-id are dropped.
func ParseSegments(payload string) ([]Segment, error) {
	doc, err := parseDocument(payload)
	if err != nil {
		return nil, err
	}
	var segments []Segment
	for _, file := range doc.Files {
		for _, entry := range file.Segments {
			id := stripBrackets(strings.TrimSpace(entry.ID))
			if id == "" {
				continue
			}
			segments = append(segments, Segment{
				MessageID: id,
				Bytes:     parseInt64(entry.Bytes),
				Number:    int(parseInt64(entry.Number)),
			})
		}
	}
	return segments, nil
}

type buildSegment struct {
	XMLName xml.Name `xml:"segment"`
	Bytes   int64    `xml:"bytes,attr"`
	Number  int      `xml:"number,attr"`
	ID      string   `xml:",chardata"`
}

type buildFile struct {
	XMLName  xml.Name       `xml:"file"`
	Poster   string         `xml:"poster,attr"`
	Subject  string         `xml:"subject,attr"`
	Date     string         `xml:"date,attr"`
	Groups   []string       `xml:"groups>group"`
	Segments []buildSegment `xml:"segments>segment"`
}

type buildDocument struct {
	XMLName xml.Name  `xml:"nzb"`
	Xmlns   string    `xml:"xmlns,attr"`
	Files   []buildFile `xml:"file"`
}

// BuildXML assembles a single-file manifest from scanned header segments.
func BuildXML(name, poster string, groups []string, segments []Segment) ([]byte, error) {
	subject := name
	if subject == "" {
		subject = "release"
	}
	file := buildFile{
		Poster:  poster,
		Subject: subject,
		Date:    "0",
	}
	for _, group := range groups {
		if group != "" {
			file.Groups = append(file.Groups, group)
		}
	}
	for _, segment := range segments {
		file.Segments = append(file.Segments, buildSegment{
			Bytes:  segment.Bytes,
			Number: segment.Number,
			ID:     stripBrackets(segment.MessageID),
		})
	}

	encoded, err := xml.Marshal(buildDocument{Xmlns: namespace, Files: []buildFile{file}})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), encoded...), nil
}

func stripBrackets(id string) string {
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		return strings.TrimSpace(id[1 : len(id)-1])
	}
	return id
}

func parseInt64(value string) int64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
