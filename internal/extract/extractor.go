// Package extract turns fetched pages and feeds into scraped items.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/datefilter"
)

// ErrNoCandidates is returned when a page yields no usable item.
var ErrNoCandidates = errors.New("no candidate items found")

// genericContainers are tried in order when no profile matches.
var genericContainers = []string{
	"article",
	".post",
	".news-item",
	".entry",
	".card",
	"li.item",
	".views-row",
	".item",
}

const (
	fallbackBlocks   = "div, li, section, tr"
	titleSelectors   = "h1, h2, h3, h4, .title, a"
	minTitleChars    = 10
	minParagraphText = 50
)

var timestampSelectors = []string{
	"time[datetime]",
	"[datetime]",
	"time",
	".date, .time, .published, .post-date, .entry-date, [class*=date]",
}

// ProfileSource resolves selector profiles for a source.
type ProfileSource interface {
	ProfileFor(src crawler.Source) (crawler.SelectorProfile, bool)
}

// Config tunes candidate discovery.
type Config struct {
	MaxFallbackCandidates int
	MinBlockChars         int
	MinGenericMatches     int
}

// Extractor runs the profile, generic and fallback strategies over a page.
type Extractor struct {
	cfg      Config
	profiles ProfileSource
	parser   *datefilter.Parser
	now      func() time.Time
	logger   *zap.Logger
}

// New builds an Extractor. profiles may be nil.
func New(cfg Config, profiles ProfileSource, parser *datefilter.Parser, now func() time.Time, logger *zap.Logger) *Extractor {
	if cfg.MaxFallbackCandidates <= 0 {
		cfg.MaxFallbackCandidates = 20
	}
	if cfg.MinBlockChars <= 0 {
		cfg.MinBlockChars = minParagraphText
	}
	if cfg.MinGenericMatches <= 0 {
		cfg.MinGenericMatches = 3
	}
	if now == nil {
		now = time.Now
	}
	if parser == nil {
		parser = datefilter.NewParser(time.UTC, now)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, profiles: profiles, parser: parser, now: now, logger: logger}
}

// Strategy names reported in Result.
const (
	StrategyProfile  = "profile"
	StrategyGeneric  = "generic"
	StrategyFallback = "fallback"
	StrategyFeed     = "feed"
)

// Result is the outcome of one extraction.
type Result struct {
	Items    []crawler.ScrapedItem
	Strategy string
	Skipped  int
}

// Extract parses resp for src. Items keep document order.
func (e *Extractor) Extract(src crawler.Source, resp crawler.FetchResponse) (Result, error) {
	pageURL, err := url.Parse(firstNonEmpty(resp.URL, src.URL))
	if err != nil {
		return Result{}, fmt.Errorf("parse page url: %w", err)
	}
	discovered := e.now().UTC()

	if isFeed(resp.Body) {
		res, err := e.extractFeed(src, pageURL, resp.Body, discovered)
		if err == nil || !errors.Is(err, errNotFeed) {
			return res, err
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	profile, hasProfile := e.profileFor(src)
	candidates, strategy := e.candidates(doc, profile, hasProfile)
	if candidates.Length() == 0 {
		return Result{Strategy: strategy}, ErrNoCandidates
	}
	page := pageMetadata(doc)
	single := candidates.Length() == 1

	res := Result{Strategy: strategy}
	seen := make(map[string]struct{})
	candidates.Each(func(_ int, sel *goquery.Selection) {
		var p *crawler.SelectorProfile
		if strategy == StrategyProfile {
			p = &profile
		}
		item, ok := e.buildItem(src, pageURL, sel, p, discovered)
		if !ok {
			res.Skipped++
			return
		}
		if single || sameDocument(item.URL, pageURL) {
			item.Metadata = mergeMetadata(item.Metadata, page)
		}
		if _, dup := seen[item.ID]; dup {
			return
		}
		seen[item.ID] = struct{}{}
		res.Items = append(res.Items, item)
	})
	if len(res.Items) == 0 {
		e.logger.Debug("all candidates rejected",
			zap.String("source", src.Name),
			zap.String("strategy", strategy),
			zap.Int("candidates", candidates.Length()),
		)
		return res, ErrNoCandidates
	}
	return res, nil
}

func (e *Extractor) profileFor(src crawler.Source) (crawler.SelectorProfile, bool) {
	if e.profiles == nil {
		return crawler.SelectorProfile{}, false
	}
	return e.profiles.ProfileFor(src)
}

func (e *Extractor) candidates(doc *goquery.Document, profile crawler.SelectorProfile, hasProfile bool) (*goquery.Selection, string) {
	if hasProfile && profile.Container != "" {
		if sel := doc.Find(profile.Container); sel.Length() > 0 {
			return sel, StrategyProfile
		}
	}
	for _, container := range genericContainers {
		if sel := doc.Find(container); sel.Length() >= e.cfg.MinGenericMatches {
			return sel, StrategyGeneric
		}
	}
	kept := doc.Find(fallbackBlocks).FilterFunction(func(_ int, sel *goquery.Selection) bool {
		if sel.Find("a[href]").Length() == 0 {
			return false
		}
		return len([]rune(collapse(sel.Text()))) > e.cfg.MinBlockChars
	})
	if kept.Length() > e.cfg.MaxFallbackCandidates {
		kept = kept.Slice(0, e.cfg.MaxFallbackCandidates)
	}
	return kept, StrategyFallback
}

func (e *Extractor) buildItem(src crawler.Source, pageURL *url.URL, sel *goquery.Selection, p *crawler.SelectorProfile, discovered time.Time) (crawler.ScrapedItem, bool) {
	title, ok := e.title(sel, p)
	if !ok {
		return crawler.ScrapedItem{}, false
	}
	link, ok := e.link(sel, p, pageURL)
	if !ok {
		return crawler.ScrapedItem{}, false
	}
	date := e.timestamp(sel, p, discovered)
	var published *time.Time
	if date.Reliable {
		t := date.Time
		published = &t
	}
	item, err := crawler.NewScrapedItem(crawler.ItemInput{
		Title:        title,
		Body:         e.body(sel, p, pageURL, title),
		URL:          link,
		Source:       src,
		DiscoveredAt: discovered,
		PublishedAt:  published,
		DateReliable: date.Reliable,
		DateMethod:   date.Method,
		Metadata:     candidateMetadata(sel, pageURL),
	})
	if err != nil {
		return crawler.ScrapedItem{}, false
	}
	return item, true
}

func (e *Extractor) title(sel *goquery.Selection, p *crawler.SelectorProfile) (string, bool) {
	if p != nil && p.Title != "" {
		if text := collapse(sel.Find(p.Title).First().Text()); text != "" {
			return text, true
		}
	}
	var title string
	sel.Find(titleSelectors).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := collapse(s.Text())
		if len([]rune(text)) > minTitleChars {
			title = text
			return false
		}
		return true
	})
	if title == "" && goquery.NodeName(sel) == "a" {
		if text := collapse(sel.Text()); len([]rune(text)) > minTitleChars {
			title = text
		}
	}
	return title, title != ""
}

func (e *Extractor) link(sel *goquery.Selection, p *crawler.SelectorProfile, base *url.URL) (string, bool) {
	var href string
	if p != nil && p.Link != "" {
		target := sel.Find(p.Link).First()
		if v, ok := target.Attr("href"); ok {
			href = v
		} else if v, ok := target.Find("a[href]").First().Attr("href"); ok {
			href = v
		}
	}
	if href == "" {
		if v, ok := sel.Attr("href"); ok && goquery.NodeName(sel) == "a" {
			href = v
		} else if v, ok := sel.Find("a[href]").First().Attr("href"); ok {
			href = v
		}
	}
	if strings.TrimSpace(href) == "" {
		return "", false
	}
	return crawler.ResolveURL(base, href)
}

func (e *Extractor) timestamp(sel *goquery.Selection, p *crawler.SelectorProfile, discovered time.Time) datefilter.Result {
	selectors := timestampSelectors
	if p != nil && p.Timestamp != "" {
		selectors = append([]string{p.Timestamp}, timestampSelectors...)
	}
	for _, s := range selectors {
		node := sel.Find(s).First()
		if node.Length() == 0 {
			continue
		}
		attr, _ := node.Attr("datetime")
		if attr == "" {
			attr, _ = node.Attr("content")
		}
		res := e.parser.Parse(attr, collapse(node.Text()), discovered)
		if res.Reliable {
			return res
		}
	}
	return e.parser.Parse("", "", discovered)
}

func (e *Extractor) body(sel *goquery.Selection, p *crawler.SelectorProfile, pageURL *url.URL, title string) string {
	if p != nil && p.Content != "" {
		if text := collapse(sel.Find(p.Content).Text()); text != "" {
			return text
		}
	}
	if text, ok := readableText(sel, pageURL); ok {
		return text
	}
	var parts []string
	sel.Find("p").Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); len([]rune(text)) > minParagraphText {
			parts = append(parts, text)
		}
	})
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}
	return strings.TrimSpace(strings.TrimPrefix(collapse(sel.Text()), title))
}

func sameDocument(link string, page *url.URL) bool {
	a, err := crawler.NormalizeURL(link)
	if err != nil {
		return false
	}
	b, err := crawler.NormalizeURL(page.String())
	if err != nil {
		return false
	}
	return a == b
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
