package dedup

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// stopWords are dropped from titles before fingerprinting.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {},
	"le": {}, "la": {}, "les": {}, "des": {}, "du": {}, "de": {}, "et": {},
	"el": {}, "los": {}, "las": {}, "y": {}, "der": {}, "die": {}, "das": {}, "und": {},
}

// Fingerprints are the three facts derived from an item. Empty values mean
// the fact could not be derived.
type Fingerprints struct {
	URL     string
	Content string
	Title   string
}

// Keys returns the non-empty facts keyed by kind.
func (f Fingerprints) Keys() map[crawler.FactKind]string {
	out := make(map[crawler.FactKind]string, 3)
	if f.URL != "" {
		out[crawler.FactURL] = f.URL
	}
	if f.Content != "" {
		out[crawler.FactContent] = f.Content
	}
	if f.Title != "" {
		out[crawler.FactTitle] = f.Title
	}
	return out
}

// Fingerprinter derives Fingerprints.
type Fingerprinter struct {
	hasher      crawler.Hasher
	prefixChars int
}

// NewFingerprinter hashes the first prefixChars runes of the body.
func NewFingerprinter(hasher crawler.Hasher, prefixChars int) *Fingerprinter {
	if prefixChars <= 0 {
		prefixChars = 500
	}
	return &Fingerprinter{hasher: hasher, prefixChars: prefixChars}
}

// Compute returns the fingerprints of item.
func (f *Fingerprinter) Compute(item crawler.ScrapedItem) (Fingerprints, error) {
	var fp Fingerprints
	if u, err := crawler.NormalizeURL(item.URL); err == nil {
		fp.URL = u
	}
	if body := ContentKey(item.Body, f.prefixChars); body != "" {
		h, err := f.hasher.Hash([]byte(body))
		if err != nil {
			return Fingerprints{}, fmt.Errorf("hash content: %w", err)
		}
		fp.Content = h
	}
	if title := TitleKey(item.Title); title != "" {
		h, err := f.hasher.Hash([]byte(title))
		if err != nil {
			return Fingerprints{}, fmt.Errorf("hash title: %w", err)
		}
		fp.Title = h
	}
	return fp, nil
}

// ContentKey lowercases, collapses whitespace and truncates to n runes.
func ContentKey(body string, n int) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(body)), " ")
	runes := []rune(collapsed)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}

// TitleKey normalizes a title so that word order, punctuation and stop words
// do not matter.
func TitleKey(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, title)
	tokens := strings.Fields(cleaned)
	kept := tokens[:0]
	for _, tok := range tokens {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		kept = append(kept, tok)
	}
	sort.Strings(kept)
	return strings.Join(kept, " ")
}
