package datefilter

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Rejection reasons.
const (
	ReasonTooOld = "too_old"
	ReasonFuture = "future"
)

// Config sets the recency window.
type Config struct {
	CutoffDays      int
	FutureTolerance time.Duration
	Location        *time.Location
}

// Verdict is the outcome of a recency check.
type Verdict struct {
	Keep   bool
	Reason string
	// Flagged marks anomalies worth surfacing, such as future dates.
	Flagged bool
}

// Filter keeps items published on or after the start of the day cutoff days
// before today.
type Filter struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewFilter builds a Filter. Zero values fall back to 7 days, 24h and UTC.
func NewFilter(cfg Config, now func() time.Time, logger *zap.Logger) *Filter {
	if cfg.CutoffDays <= 0 {
		cfg.CutoffDays = 7
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{cfg: cfg, now: now, logger: logger}
}

// Cutoff returns the earliest kept instant for the current time.
func (f *Filter) Cutoff() time.Time {
	now := f.now().In(f.cfg.Location)
	return time.Date(now.Year(), now.Month(), now.Day()-f.cfg.CutoffDays, 0, 0, 0, 0, f.cfg.Location)
}

// Check applies the window to the item's effective date.
func (f *Filter) Check(item crawler.ScrapedItem) Verdict {
	published := item.EffectiveDate().In(f.cfg.Location)
	now := f.now()
	if published.After(now.Add(f.cfg.FutureTolerance)) {
		f.logger.Warn("publication date in the future",
			zap.String("source", item.SourceName),
			zap.String("url", item.URL),
			zap.Time("published_at", published),
			zap.String("method", item.DateMethod),
		)
		return Verdict{Keep: false, Reason: ReasonFuture, Flagged: true}
	}
	day := time.Date(published.Year(), published.Month(), published.Day(), 0, 0, 0, 0, f.cfg.Location)
	if day.Before(f.Cutoff()) {
		return Verdict{Keep: false, Reason: ReasonTooOld}
	}
	return Verdict{Keep: true}
}
