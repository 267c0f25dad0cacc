package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/datefilter"
)

var errNotFeed = errors.New("body is not a feed")

func isFeed(body []byte) bool {
	return gofeed.DetectFeedType(bytes.NewReader(body)) != gofeed.FeedTypeUnknown
}

func (e *Extractor) extractFeed(src crawler.Source, base *url.URL, body []byte, discovered time.Time) (Result, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errNotFeed, err)
	}
	res := Result{Strategy: StrategyFeed}
	seen := make(map[string]struct{})
	for _, entry := range feed.Items {
		if entry == nil {
			continue
		}
		item, ok := e.feedItem(src, base, entry, discovered)
		if !ok {
			res.Skipped++
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		res.Items = append(res.Items, item)
	}
	if len(res.Items) == 0 {
		return res, ErrNoCandidates
	}
	return res, nil
}

func (e *Extractor) feedItem(src crawler.Source, base *url.URL, entry *gofeed.Item, discovered time.Time) (crawler.ScrapedItem, bool) {
	link, ok := crawler.ResolveURL(base, strings.TrimSpace(entry.Link))
	if !ok {
		return crawler.ScrapedItem{}, false
	}

	in := crawler.ItemInput{
		Title:        entry.Title,
		Body:         htmlText(firstNonEmpty(entry.Content, entry.Description)),
		URL:          link,
		Source:       src,
		DiscoveredAt: discovered,
		DateMethod:   datefilter.MethodDiscovered,
	}
	switch {
	case entry.PublishedParsed != nil:
		in.PublishedAt, in.DateReliable, in.DateMethod = entry.PublishedParsed, true, datefilter.MethodAttribute
	case entry.UpdatedParsed != nil:
		in.PublishedAt, in.DateReliable, in.DateMethod = entry.UpdatedParsed, true, datefilter.MethodAttribute
	default:
		res := e.parser.Parse("", firstNonEmpty(entry.Published, entry.Updated), discovered)
		if res.Reliable {
			t := res.Time
			in.PublishedAt, in.DateReliable, in.DateMethod = &t, true, res.Method
		}
	}

	if entry.Author != nil {
		in.Metadata.Author = strings.TrimSpace(entry.Author.Name)
	} else if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		in.Metadata.Author = strings.TrimSpace(entry.Authors[0].Name)
	}
	if entry.Image != nil {
		in.Metadata.ImageURL = entry.Image.URL
	}
	for _, c := range entry.Categories {
		if c = strings.TrimSpace(c); c != "" {
			in.Metadata.Tags = appendUnique(in.Metadata.Tags, c)
		}
	}
	if entry.Content != "" && entry.Description != "" {
		in.Metadata.Description = htmlText(entry.Description)
	}

	item, err := crawler.NewScrapedItem(in)
	if err != nil {
		return crawler.ScrapedItem{}, false
	}
	return item, true
}

func htmlText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return collapse(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapse(fragment)
	}
	return collapse(doc.Text())
}
