package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/headless/detector"
)

type call struct {
	engine string
	url    string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(engine, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{engine, url})
}

// fakeFetcher replays scripted results per URL; the last result repeats.
type fakeFetcher struct {
	name      string
	available bool
	rec       *recorder
	results   map[string][]fakeResult
	mu        sync.Mutex
	seen      map[string]int
}

type fakeResult struct {
	body string
	err  error
}

func newFake(name string, rec *recorder, results map[string][]fakeResult) *fakeFetcher {
	return &fakeFetcher{name: name, available: true, rec: rec, results: results, seen: map[string]int{}}
}

func (f *fakeFetcher) Name() string { return f.name }
func (f *fakeFetcher) CanFetch(string) bool { return f.available }

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.rec.add(f.name, req.URL)
	f.mu.Lock()
	idx := f.seen[req.URL]
	f.seen[req.URL]++
	f.mu.Unlock()
	script, ok := f.results[req.URL]
	if !ok || len(script) == 0 {
		return crawler.FetchResponse{}, errors.New("no route")
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	r := script[idx]
	if r.err != nil {
		return crawler.FetchResponse{}, r.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(r.body), Engine: f.name}, nil
}

type countingAcquirer struct {
	mu       sync.Mutex
	held     int
	acquires int
	maxHeld  int
}

func (c *countingAcquirer) Acquire(context.Context, string) (func(), error) {
	c.mu.Lock()
	c.held++
	c.acquires++
	if c.held > c.maxHeld {
		c.maxHeld = c.held
	}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.held--
		c.mu.Unlock()
	}, nil
}

const goodBody = "<html><body><article>" +
	"A long enough article body that clears the viability threshold for tests." +
	"</article></body></html>"

func newSelector(acq Acquirer, fetchers ...*fakeFetcher) *Selector {
	engines := make([]Engine, 0, len(fetchers))
	for _, f := range fetchers {
		engines = append(engines, Engine{
			Fetcher:  f,
			Retry:    crawler.NewExponentialRetryPolicy(crawler.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}),
			Timeout:  time.Second,
			Rendered: f.name == Headless,
		})
	}
	s := New(acq, detector.NewHeuristic(64, 10), nil, engines...)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{HTTP, Colly, Headless}, Order(crawler.Source{}))
	require.Equal(t, []string{Colly, Headless, HTTP}, Order(crawler.Source{RequiresJS: true}))
}

func TestSelectorCascadeOrderOnFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	fail := map[string][]fakeResult{"https://a.test/": {{err: errors.New("refused")}}}
	s := newSelector(&countingAcquirer{},
		newFake(HTTP, rec, fail), newFake(Colly, rec, fail), newFake(Headless, rec, fail))

	_, err := s.Fetch(context.Background(), crawler.Source{Name: "js", URL: "https://a.test/", RequiresJS: true})
	var failure *crawler.FetchFailure
	require.ErrorAs(t, err, &failure)
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
	require.Equal(t, []call{{Colly, "https://a.test/"}, {Headless, "https://a.test/"}, {HTTP, "https://a.test/"}}, rec.calls)
	require.Len(t, failure.Attempts, 3)
}

func TestSelectorSoftFailureAdvancesWithoutRetry(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := "https://b.test/news"
	s := newSelector(&countingAcquirer{},
		newFake(HTTP, rec, map[string][]fakeResult{url: {{body: "tiny"}}}),
		newFake(Colly, rec, map[string][]fakeResult{url: {{body: goodBody}}}),
	)

	res, err := s.Fetch(context.Background(), crawler.Source{Name: "b", URL: url})
	require.NoError(t, err)
	require.Equal(t, Colly, res.Response.Engine)
	require.Equal(t, []call{{HTTP, url}, {Colly, url}}, rec.calls)
	require.Equal(t, OutcomeSoft, res.Attempts[0].Outcome)
	require.Equal(t, OutcomeOK, res.Attempts[1].Outcome)
}

func TestSelectorRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := "https://c.test/"
	acq := &countingAcquirer{}
	s := newSelector(acq, newFake(HTTP, rec, map[string][]fakeResult{url: {
		{err: &crawler.StatusError{URL: url, StatusCode: 503}},
		{body: goodBody},
	}}))

	res, err := s.Fetch(context.Background(), crawler.Source{Name: "c", URL: url})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 2)
	require.Equal(t, 2, res.Attempts[1].Try)
	require.Equal(t, 2, acq.acquires, "one permit per attempt")
	require.Equal(t, 1, acq.maxHeld)
	require.Zero(t, acq.held)
}

func TestSelectorDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := "https://d.test/"
	s := newSelector(&countingAcquirer{},
		newFake(HTTP, rec, map[string][]fakeResult{url: {{err: &crawler.StatusError{URL: url, StatusCode: 404}}}}),
	)

	_, err := s.Fetch(context.Background(), crawler.Source{Name: "d", URL: url})
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
	require.Len(t, rec.calls, 1)
}

func TestSelectorFallsBackToAlternateURLs(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	primary, alt := "https://e.test/", "https://mirror.e.test/"
	results := map[string][]fakeResult{
		primary: {{err: errors.New("dns")}},
		alt:     {{body: goodBody}},
	}
	s := newSelector(&countingAcquirer{}, newFake(HTTP, rec, results), newFake(Colly, rec, results))

	res, err := s.Fetch(context.Background(), crawler.Source{Name: "e", URL: primary, AlternateURLs: []string{alt}})
	require.NoError(t, err)
	require.Equal(t, alt, res.Response.URL)
	require.Equal(t, []call{{HTTP, primary}, {Colly, primary}, {HTTP, alt}}, rec.calls)
}

func TestSelectorSkipsUnavailableEngines(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := "https://f.test/"
	headless := newFake(Headless, rec, map[string][]fakeResult{url: {{body: goodBody}}})
	headless.available = false
	s := newSelector(&countingAcquirer{},
		newFake(Colly, rec, map[string][]fakeResult{url: {{err: errors.New("boom")}}}),
		headless,
		newFake(HTTP, rec, map[string][]fakeResult{url: {{body: goodBody}}}),
	)

	res, err := s.Fetch(context.Background(), crawler.Source{Name: "f", URL: url, RequiresJS: true})
	require.NoError(t, err)
	require.Equal(t, HTTP, res.Response.Engine)
	require.Equal(t, []call{{Colly, url}, {HTTP, url}}, rec.calls)
	require.Equal(t, OutcomeUnavailable, res.Attempts[1].Outcome)
}

func TestSelectorStopsOnCancellation(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := "https://g.test/"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newSelector(&countingAcquirer{}, newFake(HTTP, rec, map[string][]fakeResult{url: {{err: context.Canceled}}}),
		newFake(Colly, rec, map[string][]fakeResult{url: {{body: goodBody}}}))

	_, err := s.Fetch(ctx, crawler.Source{Name: "g", URL: url})
	require.True(t, IsInterrupted(err))
	require.NotErrorIs(t, err, crawler.ErrFetchFailed)
	require.Len(t, rec.calls, 1)
}
