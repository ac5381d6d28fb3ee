// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
)

// ErrFullScrapeRequired is returned by the incremental orchestrator when
// the store has no completed run to start from.
var ErrFullScrapeRequired = errors.New("no previous successful scrape; run a full scrape first")

// errInterrupted marks a run that stopped at a checkpoint boundary
// because the process received SIGINT or SIGTERM.
var errInterrupted = errors.New("interrupted")

// PageNotFoundError reports an HTTP 404 from the wiki.
type PageNotFoundError struct {
	URL string
}

func (e *PageNotFoundError) Error() string {
	return fmt.Sprintf("page not found: %s", e.URL)
}

// APIRequestError reports a request that kept failing with transient
// errors after the retry budget was spent.
type APIRequestError struct {
	Attempts int
	Err      error
}

func (e *APIRequestError) Error() string {
	return fmt.Sprintf("API request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *APIRequestError) Unwrap() error {
	return e.Err
}

// APIResponseError reports a response the server delivered but that we
// cannot use: a top-level error object, non-JSON content, or a field
// that is missing or of the wrong type.
type APIResponseError struct {
	Code    string // upstream error code, if the server sent one
	Info    string
	Context string
}

func (e *APIResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %s: %s", e.Code, e.Info)
	}
	if e.Context != "" {
		return fmt.Sprintf("bad API response in %s: %s", e.Context, e.Info)
	}
	return fmt.Sprintf("bad API response: %s", e.Info)
}

// DownloadError reports a failed media download, including digest
// mismatches between the received bytes and the advertised SHA-1.
type DownloadError struct {
	Title string
	Err   error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %q failed: %v", e.Title, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
