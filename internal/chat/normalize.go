package chat

import (
	"regexp"
	"strings"
)

var (
	hexColorRe   = regexp.MustCompile(`[§&]x(?:[§&][0-9a-fA-F]){6}`)
	formatCodeRe = regexp.MustCompile(`(?i)[§&][0-9a-fk-orx]`)
	prefixTagRe  = regexp.MustCompile(`\[[^\]]*\]\s*`)
	nonPrintRe   = regexp.MustCompile(`[^\x20-\x7E]`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Normalize strips colour and formatting codes, bracketed rank tags and
// non-printable characters, then collapses whitespace. Hex colours are
// removed before single codes so their digits do not leak into the text.
func Normalize(line string) string {
	s := hexColorRe.ReplaceAllString(line, "")
	s = formatCodeRe.ReplaceAllString(s, "")
	s = prefixTagRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	s = nonPrintRe.ReplaceAllString(s, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
