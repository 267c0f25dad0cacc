// Package detector decides whether a fetched page is usable content or a
// script shell that needs a browser to render.
package detector

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Heuristic implements rule-based viability checks.
type Heuristic struct {
	// MinViableBytes is the smallest body accepted from any engine.
	MinViableBytes int
	// MinVisibleText is the amount of non-script text a static page needs
	// when it carries client-side app markers.
	MinVisibleText int
}

// NewHeuristic creates a new detector. Zero values select defaults.
func NewHeuristic(minViableBytes, minVisibleText int) *Heuristic {
	if minViableBytes <= 0 {
		minViableBytes = 512
	}
	if minVisibleText <= 0 {
		minVisibleText = 200
	}
	return &Heuristic{MinViableBytes: minViableBytes, MinVisibleText: minVisibleText}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("<noscript>you need to enable javascript"),
}

// Check returns nil for a viable body, or a soft-failure error
// (crawler.ErrEmptyContent, crawler.ErrContentTooSmall, crawler.ErrNotViable).
// Script-shell detection only applies to static engines; rendered output from
// a browser is judged on size alone.
func (h *Heuristic) Check(resp crawler.FetchResponse, rendered bool) error {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return fmt.Errorf("%s: %w", resp.URL, crawler.ErrEmptyContent)
	}
	if len(body) < h.MinViableBytes {
		return fmt.Errorf("%s: %d bytes: %w", resp.URL, len(body), crawler.ErrContentTooSmall)
	}
	if rendered || looksLikeFeed(body, resp.Headers.Get("Content-Type")) {
		return nil
	}
	if h.isScriptShell(body) {
		return fmt.Errorf("%s: script shell: %w", resp.URL, crawler.ErrNotViable)
	}
	return nil
}

func (h *Heuristic) isScriptShell(body []byte) bool {
	lower := bytes.ToLower(body)
	hasMarker := false
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			hasMarker = true
			break
		}
	}
	if !hasMarker && !scriptDensityHigh(body) {
		return false
	}
	return visibleTextLen(body) < h.MinVisibleText
}

func visibleTextLen(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
}

func looksLikeFeed(body []byte, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "xml") || strings.Contains(ct, "rss") || strings.Contains(ct, "atom") {
		return true
	}
	head := bytes.ToLower(body)
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.HasPrefix(head, []byte("<?xml")) || bytes.Contains(head, []byte("<rss")) || bytes.Contains(head, []byte("<feed"))
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
