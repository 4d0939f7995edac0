package extract

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// NoOrdinal is returned when no episode number can be read.
const NoOrdinal = -1.0

var (
	keywordNumber = regexp.MustCompile(`(?i)\b(?:chapter|chap|ch|episode|ep)[\s.:#_-]*(\d+(?:[.,]\d+)?)`)
	anyNumber     = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	dashedDecimal = regexp.MustCompile(`(\d)-(\d)`)
)

// ParseOrdinal reads an episode number such as "Chapter 12.5" or "Ep. 7,5". A number
// after a chapter/episode keyword wins over any other number in the text. It returns
// NoOrdinal when the text holds no number.
func ParseOrdinal(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return NoOrdinal
	}
	var token string
	if m := keywordNumber.FindStringSubmatch(text); m != nil {
		token = m[1]
	} else {
		token = anyNumber.FindString(text)
	}
	if token == "" {
		return NoOrdinal
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(token, ",", "."), 64)
	if err != nil || n < 0 {
		return NoOrdinal
	}
	return n
}

// OrdinalFromURL reads the episode number from the last path segment, where slugs
// spell decimals with a dash ("chapter-12-5").
func OrdinalFromURL(rawURL string) float64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return NoOrdinal
	}
	last := path.Base(strings.TrimSuffix(u.Path, "/"))
	if last == "." || last == "/" {
		return NoOrdinal
	}
	return ParseOrdinal(dashedDecimal.ReplaceAllString(last, "$1.$2"))
}
