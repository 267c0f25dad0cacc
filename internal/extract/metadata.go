package extract

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// readableText runs readability over the candidate fragment.
func readableText(sel *goquery.Selection, pageURL *url.URL) (string, bool) {
	html, err := goquery.OuterHtml(sel)
	if err != nil || html == "" {
		return "", false
	}
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return "", false
	}
	text := collapse(article.TextContent)
	if len([]rune(text)) <= minParagraphText {
		return "", false
	}
	return text, true
}

func candidateMetadata(sel *goquery.Selection, base *url.URL) crawler.ItemMetadata {
	var md crawler.ItemMetadata
	if src, ok := sel.Find("img[src]").First().Attr("src"); ok {
		if abs, ok := crawler.ResolveURL(base, src); ok {
			md.ImageURL = abs
		}
	}
	md.Author = collapse(sel.Find("[rel=author], .author, .byline").First().Text())
	sel.Find("[rel=tag], .tag").Each(func(_ int, s *goquery.Selection) {
		if tag := collapse(s.Text()); tag != "" {
			md.Tags = appendUnique(md.Tags, tag)
		}
	})
	return md
}

func pageMetadata(doc *goquery.Document) crawler.ItemMetadata {
	var md crawler.ItemMetadata
	meta := func(selector string) string {
		v, _ := doc.Find(selector).First().Attr("content")
		return strings.TrimSpace(v)
	}
	md.ImageURL = meta(`meta[property="og:image"]`)
	md.Description = firstNonEmpty(meta(`meta[property="og:description"]`), meta(`meta[name="description"]`))
	md.Author = meta(`meta[name="author"]`)
	doc.Find(`meta[property="article:tag"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
			md.Tags = appendUnique(md.Tags, strings.TrimSpace(v))
		}
	})
	for _, kw := range strings.Split(meta(`meta[name="keywords"]`), ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			md.Tags = appendUnique(md.Tags, kw)
		}
	}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		author, image := parseJSONLD(s.Text())
		if md.Author == "" {
			md.Author = author
		}
		if md.ImageURL == "" {
			md.ImageURL = image
		}
	})
	return md
}

// parseJSONLD reads author and image from a JSON-LD block. Malformed blocks
// yield empty values.
func parseJSONLD(raw string) (author, image string) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", ""
	}
	var objects []map[string]any
	switch v := doc.(type) {
	case map[string]any:
		objects = append(objects, v)
		if graph, ok := v["@graph"].([]any); ok {
			for _, g := range graph {
				if m, ok := g.(map[string]any); ok {
					objects = append(objects, m)
				}
			}
		}
	case []any:
		for _, g := range v {
			if m, ok := g.(map[string]any); ok {
				objects = append(objects, m)
			}
		}
	}
	for _, obj := range objects {
		if author == "" {
			author = ldName(obj["author"])
		}
		if image == "" {
			image = ldURL(obj["image"])
		}
	}
	return author, image
}

func ldName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		name, _ := t["name"].(string)
		return strings.TrimSpace(name)
	case []any:
		for _, e := range t {
			if name := ldName(e); name != "" {
				return name
			}
		}
	}
	return ""
}

func ldURL(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		u, _ := t["url"].(string)
		return strings.TrimSpace(u)
	case []any:
		for _, e := range t {
			if u := ldURL(e); u != "" {
				return u
			}
		}
	}
	return ""
}

// mergeMetadata fills blanks in item from page and unions tags.
func mergeMetadata(item, page crawler.ItemMetadata) crawler.ItemMetadata {
	if item.Author == "" {
		item.Author = page.Author
	}
	if item.ImageURL == "" {
		item.ImageURL = page.ImageURL
	}
	if item.Description == "" {
		item.Description = page.Description
	}
	for _, tag := range page.Tags {
		item.Tags = appendUnique(item.Tags, tag)
	}
	return item
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, v) {
			return list
		}
	}
	return append(list, v)
}
