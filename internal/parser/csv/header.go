package csv

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const utf8BOM = "\uFEFF"

// FoldHeader lowercases s, strips accents (NFD, drop Mn, NFC), and collapses
// spaces, dashes and dots into single underscores. Other punctuation is
// dropped. It returns "col" when nothing survives.
func FoldHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "col"
	}
	return out
}

// canonicalHeaders applies BOM stripping, trimming, header_map and optional
// folding to a raw header line.
func canonicalHeaders(hdr []string, headerMap map[string]string, fold bool) []string {
	out := make([]string, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		switch mapped, ok := headerMap[h]; {
		case ok && mapped != "":
			h = mapped
		case fold:
			h = FoldHeader(h)
		}
		out[i] = h
	}
	return out
}
