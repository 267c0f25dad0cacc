package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrFetchFailed marks a source whose every engine and alternate URL failed.
	ErrFetchFailed = errors.New("all fetch attempts failed")
	// ErrEmptyContent is a soft failure: the engine returned no body.
	ErrEmptyContent = errors.New("empty content")
	// ErrContentTooSmall is a soft failure: the body is below the viable size.
	ErrContentTooSmall = errors.New("content below minimum viable size")
	// ErrNotViable is a soft failure: the body looks like a script shell.
	ErrNotViable = errors.New("content not viable")
	// ErrDisallowed signals robots.txt forbids the URL.
	ErrDisallowed = errors.New("disallowed by robots.txt")
	// ErrEngineUnavailable signals the engine cannot run in this environment.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrQueueClosed is returned by a drained, closed Queue.
	ErrQueueClosed = errors.New("queue closed")
)

// StatusError is returned when a server answers with a non-success status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Transient reports whether retrying the same URL may succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsSoftFailure reports whether err is a content-level miss rather than an error.
func IsSoftFailure(err error) bool {
	return errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrContentTooSmall) || errors.Is(err, ErrNotViable)
}

// Attempt records one engine try against one URL.
type Attempt struct {
	Engine  string `json:"engine"`
	URL     string `json:"url"`
	Try     int    `json:"try"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// FetchFailure is the terminal per-source fetch error.
type FetchFailure struct {
	Source   string
	Attempts []Attempt
}

func (e *FetchFailure) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Error == "" {
			parts = append(parts, fmt.Sprintf("%s@%s: %s", a.Engine, a.URL, a.Outcome))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s@%s: %s", a.Engine, a.URL, a.Error))
	}
	return fmt.Sprintf("source %s: %v [%s]", e.Source, ErrFetchFailed, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrFetchFailed.
func (e *FetchFailure) Unwrap() error {
	return ErrFetchFailed
}
