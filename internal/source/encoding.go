package source

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const sniffSize = 8192

const (
	EncodingUTF8        = "UTF-8"
	EncodingWindows1251 = "Windows-1251"
	EncodingISO88591    = "ISO-8859-1"
)

// detectEncoding picks one of UTF-8, Windows-1251 or ISO-8859-1 for the
// sample, defaulting to UTF-8.
func detectEncoding(sample []byte) string {
	if validUTF8Prefix(sample) {
		return EncodingUTF8
	}
	if looksLikeWindows1251(sample) {
		return EncodingWindows1251
	}
	return EncodingISO88591
}

// validUTF8Prefix accepts a sample whose only defect is a multi-byte
// sequence cut off by the sample boundary.
func validUTF8Prefix(b []byte) bool {
	if utf8.Valid(b) {
		return true
	}
	for i := 1; i < utf8.UTFMax && i < len(b); i++ {
		tail := b[len(b)-i:]
		if utf8.RuneStart(tail[0]) && !utf8.FullRune(tail) {
			return utf8.Valid(b[:len(b)-i])
		}
	}
	return false
}

// looksLikeWindows1251 distinguishes Cyrillic text, where high bytes form
// whole words, from Latin-1 text with isolated accented letters.
func looksLikeWindows1251(sample []byte) bool {
	var high, clustered int
	for i, c := range sample {
		if c < 0x80 {
			continue
		}
		// 0x98 is unassigned in Windows-1251.
		if c == 0x98 {
			return false
		}
		high++
		if (i > 0 && sample[i-1] >= 0x80) || (i+1 < len(sample) && sample[i+1] >= 0x80) {
			clustered++
		}
	}
	return high > 0 && clustered*2 >= high
}

func newDecoder(enc string) transform.Transformer {
	switch enc {
	case EncodingWindows1251:
		return charmap.Windows1251.NewDecoder()
	case EncodingISO88591:
		return charmap.ISO8859_1.NewDecoder()
	default:
		return unicode.BOMOverride(unicode.UTF8.NewDecoder())
	}
}

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// detectDelimiter returns the candidate occurring most often on the first
// line of the decoded sample. Ties go to the earlier candidate.
func detectDelimiter(sample []byte, enc string) rune {
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}
	line, _, err := transform.Bytes(newDecoder(enc), sample)
	if err != nil {
		line = sample
	}

	best, bestCount := ',', 0
	for _, d := range delimiterCandidates {
		if n := strings.Count(string(line), string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
