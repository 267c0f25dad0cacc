// Package datefilter parses publication dates from heterogeneous markup and
// applies the recency window.
package datefilter

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse methods, in the order they are tried.
const (
	MethodAttribute  = "attribute"
	MethodISO        = "iso"
	MethodTextual    = "textual"
	MethodRelative   = "relative"
	MethodDiscovered = "discovered"
)

// Result is a parsed date and how it was obtained.
type Result struct {
	Time     time.Time
	Reliable bool
	Method   string
}

// Parser turns attribute values and free text into timestamps.
type Parser struct {
	loc *time.Location
	now func() time.Time
}

// NewParser builds a Parser. Dates without a zone are read in loc; relative
// expressions are resolved against now.
func NewParser(loc *time.Location, now func() time.Time) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Parser{loc: loc, now: now}
}

var attributeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

var (
	isoPattern      = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	dayMonthYear    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th|er|º|\.)?\s+(?:de\s+)?(\p{L}+)\.?,?\s+(?:de\s+)?(\d{4})\b`)
	monthDayYear    = regexp.MustCompile(`(?i)\b(\p{L}+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	relativePattern = regexp.MustCompile(`(?i)\b(\d+|an?)\s+(minute|min|hour|hr|day|week|month)s?\s+ago\b`)
	// Indonesian: "3 hari lalu", "2 jam yang lalu".
	laluPattern     = regexp.MustCompile(`(?i)\b(\d+|se)\s*(menit|jam|hari|minggu|bulan)\s+(?:yang\s+)?lalu\b`)
)

var indonesianUnits = map[string]string{
	"menit":  "minute",
	"jam":    "hour",
	"hari":   "day",
	"minggu": "week",
	"bulan":  "month",
}

// Parse tries, in order: the machine-readable attribute, an ISO date in the
// text, a "day Month year" or "Month day, year" phrase, and a relative
// expression. When nothing matches it returns the discovery time, unreliable.
func (p *Parser) Parse(attr, text string, discovered time.Time) Result {
	attr = strings.TrimSpace(attr)
	if attr != "" {
		if t, ok := p.parseAttribute(attr); ok {
			return Result{Time: t, Reliable: true, Method: MethodAttribute}
		}
		text = attr + " " + text
	}
	if t, ok := p.parseISO(text); ok {
		return Result{Time: t, Reliable: true, Method: MethodISO}
	}
	if t, ok := p.parseTextual(text); ok {
		return Result{Time: t, Reliable: true, Method: MethodTextual}
	}
	if t, ok := p.parseRelative(text); ok {
		return Result{Time: t, Reliable: true, Method: MethodRelative}
	}
	return Result{Time: discovered, Reliable: false, Method: MethodDiscovered}
}

func (p *Parser) parseAttribute(attr string) (time.Time, bool) {
	for _, layout := range attributeLayouts {
		if t, err := time.ParseInLocation(layout, attr, p.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (p *Parser) parseISO(text string) (time.Time, bool) {
	for _, m := range isoPattern.FindAllStringSubmatch(text, -1) {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if t, ok := p.date(year, month, day); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func (p *Parser) parseTextual(text string) (time.Time, bool) {
	for _, m := range dayMonthYear.FindAllStringSubmatch(text, -1) {
		month, ok := lookupMonth(m[2])
		if !ok {
			continue
		}
		day, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[3])
		if t, ok := p.date(year, month, day); ok {
			return t, true
		}
	}
	for _, m := range monthDayYear.FindAllStringSubmatch(text, -1) {
		month, ok := lookupMonth(m[1])
		if !ok {
			continue
		}
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if t, ok := p.date(year, month, day); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func (p *Parser) parseRelative(text string) (time.Time, bool) {
	lower := strings.ToLower(text)
	now := p.now().In(p.loc)
	if m := relativePattern.FindStringSubmatch(lower); m != nil {
		return shift(now, m[1], m[2])
	}
	if m := laluPattern.FindStringSubmatch(lower); m != nil {
		return shift(now, m[1], indonesianUnits[m[2]])
	}
	switch {
	case containsWord(lower, "yesterday"), containsWord(lower, "kemarin"):
		return now.AddDate(0, 0, -1), true
	case containsWord(lower, "today"), strings.Contains(lower, "just now"),
		strings.Contains(lower, "hari ini"), strings.Contains(lower, "baru saja"):
		return now, true
	}
	return time.Time{}, false
}

// shift moves now back by count units. A count of "a", "an" or "se" is one.
func shift(now time.Time, count, unit string) (time.Time, bool) {
	n := 1
	switch count {
	case "a", "an", "se":
	default:
		n, _ = strconv.Atoi(count)
	}
	switch unit {
	case "minute", "min":
		return now.Add(-time.Duration(n) * time.Minute), true
	case "hour", "hr":
		return now.Add(-time.Duration(n) * time.Hour), true
	case "day":
		return now.AddDate(0, 0, -n), true
	case "week":
		return now.AddDate(0, 0, -7*n), true
	case "month":
		return now.AddDate(0, -n, 0), true
	}
	return time.Time{}, false
}

// date validates the components by round-tripping through time.Date.
func (p *Parser) date(year, month, day int) (time.Time, bool) {
	if year < 1990 || year > 2100 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, p.loc)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func containsWord(text, word string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '|' || r == '-' || r == '\n' || r == '\t'
	}) {
		if f == word {
			return true
		}
	}
	return false
}
