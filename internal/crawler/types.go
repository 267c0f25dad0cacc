// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Tier ranks the authority of a source.
type Tier string

// Supported source tiers.
const (
	TierOfficial   Tier = "official"
	TierAccredited Tier = "accredited"
	TierCommunity  Tier = "community"
)

// Weight maps a tier onto the quality score contribution.
func (t Tier) Weight() float64 {
	switch t {
	case TierOfficial:
		return 1.0
	case TierAccredited:
		return 0.8
	case TierCommunity:
		return 0.5
	default:
		return 0.3
	}
}

// ParseTier validates a tier label.
func ParseTier(raw string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TierOfficial, TierAccredited, TierCommunity:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", raw)
	}
}

// Priority orders sources inside a category.
type Priority string

// Supported source priorities.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the scheduling rank; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// ParsePriority validates a priority label. Empty input defaults to medium.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// Source is one crawl target from the registry.
type Source struct {
	Name               string   `json:"name"`
	URL                string   `json:"url"`
	Category           string   `json:"category"`
	Tier               Tier     `json:"tier"`
	Priority           Priority `json:"priority"`
	RequiresJS         bool     `json:"requires_js"`
	SelectorProfileRef string   `json:"selector_profile_ref,omitempty"`
	Enabled            bool     `json:"enabled"`
	AlternateURLs      []string `json:"alternate_urls,omitempty"`
}

// CandidateURLs returns the primary URL followed by any alternates.
func (s Source) CandidateURLs() []string {
	out := make([]string, 0, 1+len(s.AlternateURLs))
	out = append(out, s.URL)
	for _, alt := range s.AlternateURLs {
		if alt != "" && alt != s.URL {
			out = append(out, alt)
		}
	}
	return out
}

// SelectorProfile carries CSS selectors for one site layout.
type SelectorProfile struct {
	Container string `json:"container" yaml:"container"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
	Link      string `json:"link,omitempty" yaml:"link,omitempty"`
	Timestamp string `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Content   string `json:"content,omitempty" yaml:"content,omitempty"`
}

// Stage is one phase of the pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageScrape Stage = "scrape"
	StageFilter Stage = "filter"
	StageEnrich Stage = "enrich"
	StageStore  Stage = "store"
)

// Stages lists every stage in execution order.
func Stages() []Stage {
	return []Stage{StageScrape, StageFilter, StageEnrich, StageStore}
}

// Index returns the position of the stage in execution order, or -1.
func (s Stage) Index() int {
	for i, st := range Stages() {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage validates a stage label.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if s.Index() < 0 {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

// Status is shared by runs and stage records.
type Status string

// Lifecycle states persisted for runs and stages.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RunMode describes how a run was requested.
type RunMode string

// Supported run modes.
const (
	ModeFull        RunMode = "full"
	ModeIncremental RunMode = "incremental"
	ModeTargeted    RunMode = "targeted"
	ModeDryRun      RunMode = "dry-run"
)

// RunCounters aggregates item counts for a run.
type RunCounters struct {
	Scraped       int `json:"scraped"`
	Filtered      int `json:"filtered"`
	Stored        int `json:"stored"`
	SourcesFailed int `json:"sources_failed"`
}

// Add returns the element-wise sum of two counters.
func (c RunCounters) Add(o RunCounters) RunCounters {
	return RunCounters{
		Scraped:       c.Scraped + o.Scraped,
		Filtered:      c.Filtered + o.Filtered,
		Stored:        c.Stored + o.Stored,
		SourcesFailed: c.SourcesFailed + o.SourcesFailed,
	}
}

// RunError is a per-source or per-stage failure kept on the run.
type RunError struct {
	Stage    Stage     `json:"stage"`
	Category string    `json:"category,omitempty"`
	Source   string    `json:"source,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// RunMetadata records how a run was requested.
type RunMetadata struct {
	Mode        RunMode  `json:"mode"`
	Categories  []string `json:"categories,omitempty"`
	Stages      []Stage  `json:"stages,omitempty"`
	Incremental bool     `json:"incremental,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

// PipelineRun is one execution of the pipeline.
type PipelineRun struct {
	ID              string      `json:"id"`
	StartedAt       time.Time   `json:"started_at"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
	Status          Status      `json:"status"`
	CompletedStages []string    `json:"completed_stages"`
	Counters        RunCounters `json:"counters"`
	Errors          []RunError  `json:"errors"`
	Metadata        RunMetadata `json:"metadata"`
}

// StageRecord marks progress of one (run, stage, category) unit.
type StageRecord struct {
	RunID       string     `json:"run_id"`
	Stage       Stage      `json:"stage"`
	Category    string     `json:"category"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	Items       int        `json:"items"`
}

// Key returns the unique identity of the record.
func (r StageRecord) Key() string {
	return r.RunID + "|" + string(r.Stage) + "|" + r.Category
}

// FactKind names one of the dedup seen-sets.
type FactKind string

// Dedup fact kinds.
const (
	FactURL     FactKind = "url"
	FactContent FactKind = "content"
	FactTitle   FactKind = "title"
)

// FactKinds lists every fact kind in a stable order.
func FactKinds() []FactKind {
	return []FactKind{FactURL, FactContent, FactTitle}
}

// CacheEntry is one persisted dedup fact.
type CacheEntry struct {
	Kind       FactKind  `json:"kind"`
	Key        string    `json:"key"`
	SourceName string    `json:"source"`
	Title      string    `json:"title"`
	Origin     string    `json:"origin,omitempty"`
	Attempt    string    `json:"attempt,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// FetchRequest captures everything an engine needs to fetch a URL.
type FetchRequest struct {
	URL     string
	Timeout time.Duration
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Engine     string
	// RobotsNote is set when robots.txt could not be evaluated and the fetch
	// proceeded under an allow-all assumption.
	RobotsNote string
}
