package scraper

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks failures that retrying cannot fix: unknown theme, missing or inactive
	// source, malformed job.
	ErrConfig = errors.New("configuration error")
	// ErrSourceNotFound is returned by gateways when a source id is unknown.
	ErrSourceNotFound = errors.New("source not found")
	// ErrImageTooLarge is returned when a remote image exceeds the configured byte cap.
	ErrImageTooLarge = errors.New("image exceeds size limit")
	// ErrNoStableID is returned when no id can be derived from a URL.
	ErrNoStableID = errors.New("no stable id in url")
)

// FetchError wraps a network-level failure while loading a page.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a job failing with err may be attempted again.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrConfig)
}
