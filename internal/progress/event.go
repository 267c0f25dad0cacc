package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Kind denotes the milestone an Event reports.
type Kind string

// Supported event kinds.
const (
	KindRunStart    Kind = "RUN_START"
	KindRunDone     Kind = "RUN_DONE"
	KindRunError    Kind = "RUN_ERROR"
	KindStageStart  Kind = "STAGE_START"
	KindStageDone   Kind = "STAGE_DONE"
	KindStageError  Kind = "STAGE_ERROR"
	KindSourceDone  Kind = "SOURCE_DONE"
	KindSourceError Kind = "SOURCE_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes tracked for source fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress milestone of a pipeline run.
type Event struct {
	RunID string
	// TS is the UTC time the emitter observed the milestone.
	TS       time.Time
	Kind     Kind
	Stage    crawler.Stage
	Category string
	Source   string
	Engine   string
	URL      string
	// Items is the number of items produced by a source or stage.
	Items       int
	Bytes       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindRunError:
	case KindStageStart, KindStageDone, KindStageError:
		if e.Stage == "" {
			return errors.New("stage events require a stage")
		}
	case KindSourceDone:
		if e.Source == "" {
			return errors.New("source done requires source")
		}
		if e.StatusClass == "" {
			return errors.New("source done requires status class")
		}
	case KindSourceError:
		if e.Source == "" {
			return errors.New("source error requires source")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
