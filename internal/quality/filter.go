// Package quality scores scraped items and rejects low-value ones.
package quality

import (
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Rejection reasons.
const (
	ReasonShortTitle = "short_title"
	ReasonShortBody  = "short_body"
	ReasonFewWords   = "few_words"
	ReasonBadURL     = "bad_url"
	ReasonSpam       = "spam"
	ReasonRepetitive = "repetitive"
)

// DefaultSpamRejectHits is the spam hit count that rejects an item when none
// is configured.
const DefaultSpamRejectHits = 3

// DefaultSpamTerms is used when no denylist is configured.
var DefaultSpamTerms = []string{
	"click here",
	"buy now",
	"limited time offer",
	"free trial",
	"casino",
	"viagra",
	"crypto giveaway",
	"lorem ipsum",
	"subscribe to our newsletter",
	"accept cookies",
	"sponsored content",
	"100% free",
}

var sentenceSplit = regexp.MustCompile(`[.!?]+(\s+|$)|\n+`)

// Config sets the hard minimums and scoring scale.
type Config struct {
	MinTitleChars int
	MinBodyChars  int
	MinWords      int
	IdealWords    int
	SpamTerms     []string
	// SpamRejectHits is the hit count at which the spam component reaches
	// zero and the item is rejected.
	SpamRejectHits int
}

// Verdict is the result of evaluating one item.
type Verdict struct {
	Pass    bool
	Score   float64
	Reasons []string
}

// Filter applies the quality rules.
type Filter struct {
	cfg  Config
	spam []string
}

// New builds a Filter, falling back to defaults for zero values.
func New(cfg Config) *Filter {
	if cfg.MinTitleChars <= 0 {
		cfg.MinTitleChars = 10
	}
	if cfg.MinBodyChars <= 0 {
		cfg.MinBodyChars = 200
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = 30
	}
	if cfg.IdealWords <= 0 {
		cfg.IdealWords = 400
	}
	if cfg.SpamRejectHits <= 0 {
		cfg.SpamRejectHits = DefaultSpamRejectHits
	}
	terms := cfg.SpamTerms
	if len(terms) == 0 {
		terms = DefaultSpamTerms
	}
	spam := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			spam = append(spam, t)
		}
	}
	return &Filter{cfg: cfg, spam: spam}
}

// Evaluate checks item and computes its score. The score is reported for
// rejected items too.
func (f *Filter) Evaluate(item crawler.ScrapedItem) Verdict {
	var reasons []string
	if len([]rune(item.Title)) < f.cfg.MinTitleChars {
		reasons = append(reasons, ReasonShortTitle)
	}
	if len([]rune(item.Body)) < f.cfg.MinBodyChars {
		reasons = append(reasons, ReasonShortBody)
	}
	words := item.WordCount()
	if words < f.cfg.MinWords {
		reasons = append(reasons, ReasonFewWords)
	}
	if !wellFormed(item.URL) {
		reasons = append(reasons, ReasonBadURL)
	}
	hits := f.SpamHits(item.Title + "\n" + item.Body)
	if hits >= f.cfg.SpamRejectHits {
		reasons = append(reasons, ReasonSpam)
	}
	if Repetitive(item.Body) {
		reasons = append(reasons, ReasonRepetitive)
	}
	return Verdict{
		Pass:    len(reasons) == 0,
		Score:   f.Score(words, item.Tier, hits),
		Reasons: reasons,
	}
}

// Score combines length, tier weight and spam absence into [0,1].
func (f *Filter) Score(words int, tier crawler.Tier, spamHits int) float64 {
	length := math.Min(1, float64(words)/float64(f.cfg.IdealWords))
	spam := 1 - math.Min(1, float64(spamHits)/float64(f.cfg.SpamRejectHits))
	score := 0.5*length + 0.3*tier.Weight() + 0.2*spam
	return math.Round(score*1000) / 1000
}

// SpamHits counts denylist occurrences in text.
func (f *Filter) SpamHits(text string) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range f.spam {
		hits += strings.Count(lower, term)
	}
	return hits
}

// Repetitive reports whether more than half of the substantial sentences
// (more than five words) are exact repeats.
func Repetitive(body string) bool {
	total := 0
	distinct := make(map[string]struct{})
	for _, s := range sentenceSplit.Split(body, -1) {
		fields := strings.Fields(strings.ToLower(s))
		if len(fields) <= 5 {
			continue
		}
		total++
		distinct[strings.Join(fields, " ")] = struct{}{}
	}
	if total < 2 {
		return false
	}
	return (total-len(distinct))*2 > total
}

func wellFormed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
