// Package yenc implements the subset of yEnc needed to recover textual
// payloads (NZB index files) from encoded article bodies, plus an encoder
// used to exercise the decoder.
package yenc

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

const (
	offset       = 42
	escapeOffset = 64
	escapeByte   = '='
)

// Decode reassembles the binary payload from the text lines of a yEnc
// encoded article body. Header and trailer lines (=ybegin, =ypart, =yend)
// are skipped; characters outside latin-1 are dropped, matching how lines
// arrive off the wire.
func Decode(lines []string) []byte {
	var data []byte
	for _, line := range lines {
		if strings.HasPrefix(line, "=ybegin") ||
			strings.HasPrefix(line, "=ypart") ||
			strings.HasPrefix(line, "=yend") {
			continue
		}
		raw := toLatin1(line)
		for i := 0; i < len(raw); i++ {
			ch := raw[i]
			if ch == escapeByte {
				i++
				if i >= len(raw) {
					break
				}
				ch = (raw[i] - escapeOffset) & 0xFF
			}
			data = append(data, (ch-offset)&0xFF)
		}
	}
	return data
}

// Encode produces yEnc body lines for data, wrapped at width characters,
// without =ybegin/=yend framing. Decode(Encode(data)) == data.
func Encode(data []byte, width int) []string {
	if width <= 0 {
		width = 128
	}
	var (
		lines []string
		line  strings.Builder
	)
	for _, b := range data {
		encoded := (b + offset) & 0xFF
		switch encoded {
		case 0x00, 0x0A, 0x0D, escapeByte:
			line.WriteByte(escapeByte)
			line.WriteByte((encoded + escapeOffset) & 0xFF)
		default:
			line.WriteByte(encoded)
		}
		if line.Len() >= width {
			lines = append(lines, line.String())
			line.Reset()
		}
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return lines
}

func toLatin1(line string) []byte {
	encoder := charmap.ISO8859_1.NewEncoder()
	out := make([]byte, 0, len(line))
	for _, r := range line {
		encoded, err := encoder.Bytes([]byte(string(r)))
		if err != nil {
			continue
		}
		out = append(out, encoded...)
	}
	return out
}
