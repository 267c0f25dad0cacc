package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/datefilter"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type staticProfiles map[string]crawler.SelectorProfile

func (s staticProfiles) ProfileFor(src crawler.Source) (crawler.SelectorProfile, bool) {
	p, ok := s[src.Name]
	return p, ok
}

func newExtractor(profiles ProfileSource) *Extractor {
	now := func() time.Time { return fixedNow }
	return New(Config{}, profiles, datefilter.NewParser(time.UTC, now), now, nil)
}

func source(name string) crawler.Source {
	return crawler.Source{Name: name, URL: "https://news.example.gov/press", Category: "policy", Tier: crawler.TierOfficial, Enabled: true}
}

func page(url, html string) crawler.FetchResponse {
	return crawler.FetchResponse{URL: url, StatusCode: 200, Body: []byte(html)}
}

const filler = "The ministry confirmed that the programme will continue through the summer months."

func TestExtractWithProfile(t *testing.T) {
	t.Parallel()

	html := `<html><body><ul class="news-list">
	  <li><h3>First announcement today</h3><a href="/press/1">read</a><time datetime="2024-05-09">9 May</time><div class="txt">` + filler + `</div></li>
	  <li><h3>Second announcement today</h3><a href="https://other.example.gov/p/2">read</a><span class="when">8 May 2024</span><div class="txt">` + filler + `</div></li>
	  <li><h3>Broken entry without link</h3></li>
	</ul></body></html>`
	profiles := staticProfiles{"ministry": {
		Container: ".news-list li",
		Title:     "h3",
		Link:      "a",
		Timestamp: ".when",
		Content:   ".txt",
	}}

	res, err := newExtractor(profiles).Extract(source("ministry"), page("https://news.example.gov/press", html))
	require.NoError(t, err)
	require.Equal(t, StrategyProfile, res.Strategy)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, res.Items, 2)

	first, second := res.Items[0], res.Items[1]
	require.Equal(t, "First announcement today", first.Title)
	require.Equal(t, "https://news.example.gov/press/1", first.URL)
	require.Equal(t, filler, first.Body)
	require.True(t, first.DateReliable)
	require.Equal(t, datefilter.MethodAttribute, first.DateMethod)
	require.Equal(t, time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC), *first.PublishedAt)

	require.Equal(t, "https://other.example.gov/p/2", second.URL)
	require.Equal(t, datefilter.MethodTextual, second.DateMethod)
	require.Equal(t, "ministry", second.SourceName)
	require.Equal(t, crawler.StageScrape, second.Stage)
}

func TestExtractGenericContainers(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><body>")
	for _, title := range []string{"Alpha headline here", "Bravo headline here", "Charlie headline here"} {
		b.WriteString(`<article><h2><a href="/n/` + strings.ToLower(title[:5]) + `">` + title + `</a></h2><p>` + filler + `</p></article>`)
	}
	b.WriteString("</body></html>")

	res, err := newExtractor(nil).Extract(source("blog"), page("https://blog.example.org/", b.String()))
	require.NoError(t, err)
	require.Equal(t, StrategyGeneric, res.Strategy)
	require.Len(t, res.Items, 3)
	require.Equal(t, "Alpha headline here", res.Items[0].Title)
	require.Equal(t, "https://blog.example.org/n/charl", res.Items[2].URL)
	require.Contains(t, res.Items[1].Body, "programme will continue")
	require.False(t, res.Items[0].DateReliable)
	require.Nil(t, res.Items[0].PublishedAt)
	require.Equal(t, datefilter.MethodDiscovered, res.Items[0].DateMethod)
}

func TestExtractFallbackScan(t *testing.T) {
	t.Parallel()

	html := `<html><body><div class="wrap">
	  <div class="block"><h3>Council meets on budget</h3><a href="/c/1">more</a> ` + filler + `</div>
	  <div class="block"><h3>Council approves housing</h3><a href="/c/2">more</a> ` + filler + `</div>
	  <div class="short"><a href="/c/3">tiny</a></div>
	</div></body></html>`

	res, err := newExtractor(nil).Extract(source("council"), page("https://council.example.org/", html))
	require.NoError(t, err)
	require.Equal(t, StrategyFallback, res.Strategy)
	require.Len(t, res.Items, 2)
	require.Equal(t, "Council meets on budget", res.Items[0].Title)
	require.Equal(t, "https://council.example.org/c/2", res.Items[1].URL)
}

func TestExtractFallbackCap(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><body><table>")
	for i := 0; i < 30; i++ {
		id := string(rune('a'+i%26)) + string(rune('a'+i/26))
		b.WriteString(`<tr><td><a href="/r/` + id + `">Row headline ` + id + ` text</a> ` + filler + `</td></tr>`)
	}
	b.WriteString("</table></body></html>")

	ex := New(Config{MaxFallbackCandidates: 5}, nil, nil, func() time.Time { return fixedNow }, nil)
	res, err := ex.Extract(source("table"), page("https://t.example.org/", b.String()))
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	require.Equal(t, "https://t.example.org/r/aa", res.Items[0].URL)
}

func TestExtractNoCandidates(t *testing.T) {
	t.Parallel()

	_, err := newExtractor(nil).Extract(source("empty"), page("https://e.example.org/", "<html><body><p>hi</p></body></html>"))
	require.ErrorIs(t, err, ErrNoCandidates)

	html := `<html><body><article><h2>Only javascript link</h2><a href="javascript:void(0)">x</a></article></body></html>`
	profiles := staticProfiles{"js": {Container: "article"}}
	res, err := newExtractor(profiles).Extract(source("js"), page("https://e.example.org/", html))
	require.ErrorIs(t, err, ErrNoCandidates)
	require.Equal(t, 1, res.Skipped)
}

func TestExtractPageMetadataForSingleCandidate(t *testing.T) {
	t.Parallel()

	html := `<html><head>
	  <meta property="og:image" content="https://cdn.example.gov/hero.jpg">
	  <meta property="og:description" content="Summary of the story">
	  <meta name="keywords" content="housing, budget">
	  <script type="application/ld+json">{"@type":"NewsArticle","author":{"@type":"Person","name":"Jane Clerk"}}</script>
	</head><body>
	  <article class="story"><h1>Single story headline</h1><a href="/press">self</a><p>` + filler + `</p><a rel="tag" href="/t/x">Policy</a></article>
	</body></html>`
	profiles := staticProfiles{"ministry": {Container: "article.story"}}

	res, err := newExtractor(profiles).Extract(source("ministry"), page("https://news.example.gov/press", html))
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	md := res.Items[0].Metadata
	require.Equal(t, "Jane Clerk", md.Author)
	require.Equal(t, "https://cdn.example.gov/hero.jpg", md.ImageURL)
	require.Equal(t, "Summary of the story", md.Description)
	require.Equal(t, []string{"Policy", "housing", "budget"}, md.Tags)
}

func TestExtractFeed(t *testing.T) {
	t.Parallel()

	rss := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Press</title><link>https://news.example.gov/</link>
  <item><title>Feed item number one</title><link>https://news.example.gov/f/1</link>
    <pubDate>Thu, 09 May 2024 10:00:00 GMT</pubDate><description>&lt;p&gt;` + filler + `&lt;/p&gt;</description>
    <category>Budget</category></item>
  <item><title>Feed item number two</title><link>/f/2</link><description>` + filler + `</description></item>
  <item><title></title><link>https://news.example.gov/f/3</link></item>
</channel></rss>`

	res, err := newExtractor(nil).Extract(source("feed"), page("https://news.example.gov/rss", rss))
	require.NoError(t, err)
	require.Equal(t, StrategyFeed, res.Strategy)
	require.Len(t, res.Items, 2)
	require.Equal(t, 1, res.Skipped)

	first := res.Items[0]
	require.Equal(t, filler, first.Body)
	require.True(t, first.DateReliable)
	require.Equal(t, time.Date(2024, 5, 9, 10, 0, 0, 0, time.UTC), *first.PublishedAt)
	require.Equal(t, []string{"Budget"}, first.Metadata.Tags)

	require.Equal(t, "https://news.example.gov/f/2", res.Items[1].URL)
	require.False(t, res.Items[1].DateReliable)
}

func TestParseJSONLD(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, raw, author, image string
	}{
		{"string author", `{"author":"A. Writer","image":"https://i/x.png"}`, "A. Writer", "https://i/x.png"},
		{"graph", `{"@graph":[{"@type":"WebPage"},{"author":[{"name":"B"}],"image":{"url":"https://i/y.png"}}]}`, "B", "https://i/y.png"},
		{"array", `[{"author":{"name":"C"}}]`, "C", ""},
		{"malformed", `{"author":`, "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			author, image := parseJSONLD(tc.raw)
			require.Equal(t, tc.author, author)
			require.Equal(t, tc.image, image)
		})
	}
}
