package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Known Mercado Livre site prefixes. Identifiers embedded in URLs are
// matched against these rather than any 3-letter token, so path noise
// never produces a false hit.
var (
	urlIdentifierRe = regexp.MustCompile(`(?i)(MLB|MLA|MLM|MLC|MCO|MLU|MLV|MPE|MEC)-?([0-9]+)`)
	hyphenatedRe    = regexp.MustCompile(`^([A-Za-z]{3})-([0-9]+)$`)
	canonicalRe     = regexp.MustCompile(`^[A-Za-z]{3}[0-9]+$`)
	digitsRe        = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizeProductID turns a raw caller-supplied identifier into the
// canonical {site}{digits} form (e.g. MLB1234567890). Accepts canonical
// identifiers, hyphenated variants, bare digit strings and marketplace
// URLs containing an identifier. Pure; every input either normalizes or
// returns an error.
func NormalizeProductID(raw, defaultSite string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("product identifier is empty")
	}

	// URLs: extract the embedded identifier or give up. No further
	// normalization is attempted on URL input.
	if strings.HasPrefix(strings.ToLower(id), "http") {
		m := urlIdentifierRe.FindStringSubmatch(id)
		if m == nil {
			return "", fmt.Errorf("no product identifier found in URL %q", raw)
		}
		return strings.ToUpper(m[1]) + m[2], nil
	}

	if m := hyphenatedRe.FindStringSubmatch(id); m != nil {
		return strings.ToUpper(m[1]) + m[2], nil
	}

	if canonicalRe.MatchString(id) {
		return strings.ToUpper(id), nil
	}

	if digitsRe.MatchString(id) {
		return strings.ToUpper(defaultSite) + id, nil
	}

	return "", fmt.Errorf("unrecognized product identifier %q", raw)
}

// numericPart strips the leading site prefix from a canonical
// identifier, returning the bare digits and whether a prefix was found.
func numericPart(id string) (string, bool) {
	if m := urlIdentifierRe.FindStringSubmatch(id); m != nil {
		return m[2], true
	}
	return id, false
}

// Portuguese filler words skipped when building keyword queries.
var stopwords = map[string]bool{
	"de": true, "da": true, "do": true, "das": true, "dos": true,
	"para": true, "com": true, "em": true, "por": true, "e": true,
	"o": true, "a": true, "os": true, "as": true, "um": true, "uma": true,
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// significantWords returns the first max significant words of a phrase,
// lowercased with accents stripped. Titles are Portuguese, so "Câmera"
// and "camera" must produce the same query term.
func significantWords(phrase string, max int) []string {
	flat, _, err := transform.String(stripAccents, phrase)
	if err != nil {
		flat = phrase
	}

	var words []string
	for _, w := range strings.Fields(strings.ToLower(flat)) {
		w = strings.Trim(w, ",.;:()[]")
		if len(w) < 2 || stopwords[w] {
			continue
		}
		words = append(words, w)
		if len(words) >= max {
			break
		}
	}
	return words
}

// keywordQuery joins the significant words of a phrase into one search term.
func keywordQuery(phrase string, max int) string {
	return strings.Join(significantWords(phrase, max), " ")
}
