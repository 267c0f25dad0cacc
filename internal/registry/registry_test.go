package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

const sampleYAML = `
profiles:
  example.gov:
    container: ".news-list li"
    title: "h3"
    link: "a"
    timestamp: "time"
  news.example.gov:
    container: "article.story"
sources:
  - name: ministry
    url: https://news.example.gov/press
    category: policy
    tier: official
    priority: critical
  - name: blog
    url: https://blog.example.org
    category: community
    tier: community
    enabled: false
  - name: council
    url: https://council.example.org/feed
    category: policy
    tier: accredited
    priority: high
    requires_js: true
    selector_profile_ref: example.gov
    alternate_urls: ["https://mirror.council.example.org/feed"]
`

func TestParseValidRegistry(t *testing.T) {
	t.Parallel()

	reg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	all := reg.Sources()
	require.Len(t, all, 3)
	require.Equal(t, crawler.PriorityMedium, all[1].Priority, "priority defaults to medium")
	require.Equal(t, []string{"policy", "community"}, reg.Categories())

	enabled := reg.Enabled()
	require.Len(t, enabled, 2)
	require.Equal(t, "ministry", enabled[0].Name)
	require.Len(t, reg.Enabled("community"), 0)

	council, ok := reg.Get("council")
	require.True(t, ok)
	require.Equal(t, []string{"https://council.example.org/feed", "https://mirror.council.example.org/feed"}, council.CandidateURLs())
}

func TestProfileLookupPrefersLongestMatch(t *testing.T) {
	t.Parallel()

	reg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	ministry, _ := reg.Get("ministry")
	p, ok := reg.ProfileFor(ministry)
	require.True(t, ok)
	require.Equal(t, "article.story", p.Container)

	council, _ := reg.Get("council")
	p, ok = reg.ProfileFor(council)
	require.True(t, ok, "explicit reference wins over host lookup")
	require.Equal(t, ".news-list li", p.Container)

	blog, _ := reg.Get("blog")
	_, ok = reg.ProfileFor(blog)
	require.False(t, ok)
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown tier": `
sources:
  - {name: a, url: "https://a.org", category: c, tier: gossip}`,
		"unknown priority": `
sources:
  - {name: a, url: "https://a.org", category: c, tier: official, priority: urgent}`,
		"duplicate name": `
sources:
  - {name: a, url: "https://a.org", category: c, tier: official}
  - {name: a, url: "https://b.org", category: c, tier: official}`,
		"missing profile": `
sources:
  - {name: a, url: "https://a.org", category: c, tier: official, selector_profile_ref: nope}`,
		"relative url": `
sources:
  - {name: a, url: "/a", category: c, tier: official}`,
		"missing category": `
sources:
  - {name: a, url: "https://a.org", tier: official}`,
		"bad selector": `
profiles:
  a.org: {container: "div[["}
sources: []`,
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		require.Error(t, err, name)
	}
}

func TestSetEnabledAndSave(t *testing.T) {
	t.Parallel()

	reg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	n, err := reg.SetEnabled(ByCategory, "policy", false)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, reg.Enabled())

	n, err = reg.SetEnabled(ByTier, "community", true)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = reg.SetEnabled(ByPriority, "critical", true)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = reg.SetEnabled(BySource, "missing", true)
	require.ErrorIs(t, err, ErrUnknownSource)
	_, err = reg.SetEnabled("colour", "red", true)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, reg.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, reg.Sources(), reloaded.Sources())
	require.Equal(t, reg.Profiles(), reloaded.Profiles())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be renamed away")
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	reg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Equal(t, []Summary{
		{Category: "community", Total: 1, Enabled: 0},
		{Category: "policy", Total: 2, Enabled: 2},
	}, reg.Summarize())
}
