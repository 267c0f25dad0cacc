package pipeline

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

var (
	// ErrInvalidOptions is returned for unknown stages or categories.
	ErrInvalidOptions = errors.New("invalid run options")
	// ErrNoInput is returned when a stage has no predecessor output in this
	// or any earlier run.
	ErrNoInput = errors.New("no input batch for stage")
	// ErrInterrupted is returned when the context ends mid-run. The run stays
	// running and can be resumed.
	ErrInterrupted = errors.New("run interrupted")
	// ErrStageFailed is returned when a downstream stage failed for at least
	// one category.
	ErrStageFailed = errors.New("stage failed")
)

// PersistenceError wraps a state store or artifact failure. It is fatal for
// the affected stage and the run.
type PersistenceError struct {
	Op       string
	Stage    crawler.Stage
	Category string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s (%s/%s): %v", e.Op, e.Stage, e.Category, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, stage crawler.Stage, category string, err error) error {
	return &PersistenceError{Op: op, Stage: stage, Category: category, Err: err}
}
