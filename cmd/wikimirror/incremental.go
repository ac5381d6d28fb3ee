// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// IncrementalStats summarizes an incremental run.
type IncrementalStats struct {
	PagesNew           int64
	PagesModified      int64
	PagesDeleted       int64
	PagesMoved         int64
	RevisionsAdded     int64
	FilesDownloaded    int64
	Duration           time.Duration
	APICalls           int64
	TotalPagesAffected int64
	FailedPageIDs      []int64
}

// FailureRate is the share of attempted changed pages that could not
// be scraped.
func (s *IncrementalStats) FailureRate() float64 {
	attempted := s.PagesNew + s.PagesModified + int64(len(s.FailedPageIDs))
	if attempted < 1 {
		return 0
	}
	return float64(len(s.FailedPageIDs)) / float64(attempted)
}

// RunIncremental refreshes the store with everything that changed
// upstream since the last successful run. A store with no completed
// run fails with ErrFullScrapeRequired before any feed read, so the
// caller can direct the operator to run a baseline.
func (s *Scraper) RunIncremental(ctx context.Context, since *time.Time, namespaces []int) (*IncrementalStats, error) {
	changes, err := detectChanges(ctx, s.client, s.repo, since, namespaces)
	if err != nil {
		return nil, err
	}
	if changes.RequiresFullScrape {
		return nil, ErrFullScrapeRequired
	}

	// The detection window identifies the work. A checkpoint left by a
	// failed run over a different window is stale: its completed sets
	// would mask pages that changed again since, so it must not resume.
	params := CheckpointParams{
		RunType:     RunTypeIncremental,
		BaseURL:     s.cfg.Wiki.BaseURL,
		Namespaces:  namespaces,
		WindowStart: *changes.LastScrapeTime,
		WindowEnd:   changes.DetectionTime,
	}
	cp := s.resumeOrFresh(params)

	runID, err := s.repo.BeginRun(RunTypeIncremental)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	apiCallsBefore := s.client.RequestCount()
	stats := &IncrementalStats{}
	var runErrors []string
	var failedPages []int64

	finishFailed := func(cause error) (*IncrementalStats, error) {
		stats.Duration = time.Since(start)
		stats.APICalls = s.client.RequestCount() - apiCallsBefore
		stats.FailedPageIDs = failedPages
		if saveErr := s.checkpoints.Save(cp); saveErr != nil {
			logger.Error().Err(saveErr).Msg("could not save checkpoint")
		}
		if failErr := s.repo.FailRun(runID, cause.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("could not mark run failed")
		}
		return stats, cause
	}

	cp.Phase = PhaseScrapingPages
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}

	// Moved pages are renamed first, then treated as modified: the
	// move may have come with edits we have not seen.
	modified := changes.ModifiedPages.Clone()
	for _, moved := range changes.MovedPages {
		if ctx.Err() != nil {
			return finishFailed(errInterrupted)
		}
		if changes.DeletedPages.Contains(moved.PageID) {
			continue
		}
		if err := s.repo.RenamePage(moved.PageID, moved.Namespace, moved.NewTitle); err != nil {
			return finishFailed(err)
		}
		stats.PagesMoved++
		if !changes.NewPages.Contains(moved.PageID) {
			modified.Add(moved.PageID)
		}
	}

	// New pages: full per-page scrape, filtered against pages some
	// earlier (possibly interrupted) run already stored.
	newIDs, err := s.repo.FilterNewPages(changes.NewPages.ToSlice())
	if err != nil {
		return finishFailed(err)
	}
	doneNew := mapset.NewSet(cp.CompletedNewPages...)
	sinceSave := 0
	for _, pageID := range newIDs {
		if ctx.Err() != nil {
			return finishFailed(errInterrupted)
		}
		if doneNew.Contains(pageID) {
			continue
		}
		revs, err := s.scrapePage(ctx, pageID, 0, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return finishFailed(errInterrupted)
			}
			if !isPageLevelError(err) {
				return finishFailed(err)
			}
			logger.Error().Err(err).Int64("page_id", pageID).Msg("new page scrape failed")
			failedPages = append(failedPages, pageID)
			runErrors = append(runErrors, fmt.Sprintf("page %d: %v", pageID, err))
			continue
		}
		stats.PagesNew++
		stats.RevisionsAdded += revs
		metricPagesScraped.Inc()
		cp.CompletedNewPages = append(cp.CompletedNewPages, pageID)
		if sinceSave++; sinceSave >= checkpointEvery {
			if err := s.checkpoints.Save(cp); err != nil {
				return finishFailed(err)
			}
			sinceSave = 0
		}
	}

	// Modified pages: fetch only past the stored high-water mark.
	infos, err := s.repo.GetPageUpdateInfo(modified.ToSlice())
	if err != nil {
		return finishFailed(err)
	}
	doneModified := mapset.NewSet(cp.CompletedModifiedPages...)
	for _, info := range infos {
		if ctx.Err() != nil {
			return finishFailed(errInterrupted)
		}
		if doneModified.Contains(info.PageID) {
			continue
		}
		revs, err := s.scrapePage(ctx, info.PageID, info.HighestRevisionID, false)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return finishFailed(errInterrupted)
			}
			if !isPageLevelError(err) {
				return finishFailed(err)
			}
			logger.Error().Err(err).Int64("page_id", info.PageID).Msg("modified page scrape failed")
			failedPages = append(failedPages, info.PageID)
			runErrors = append(runErrors, fmt.Sprintf("page %d: %v", info.PageID, err))
			continue
		}
		stats.PagesModified++
		stats.RevisionsAdded += revs
		metricPagesScraped.Inc()
		cp.CompletedModifiedPages = append(cp.CompletedModifiedPages, info.PageID)
		if sinceSave++; sinceSave >= checkpointEvery {
			if err := s.checkpoints.Save(cp); err != nil {
				return finishFailed(err)
			}
			sinceSave = 0
		}
	}

	// Deleted pages: tombstones only, no network I/O.
	doneDeleted := mapset.NewSet(cp.CompletedDeletedPages...)
	for _, pageID := range changes.DeletedPages.ToSlice() {
		if doneDeleted.Contains(pageID) {
			continue
		}
		if err := s.repo.MarkPageDeleted(pageID); err != nil {
			return finishFailed(err)
		}
		stats.PagesDeleted++
		cp.CompletedDeletedPages = append(cp.CompletedDeletedPages, pageID)
	}
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}

	// File delta.
	cp.Phase = PhaseDownloadingFiles
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}
	downloaded, fileErrs, err := s.scrapeFiles(ctx, cp)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, errInterrupted) {
			return finishFailed(errInterrupted)
		}
		return finishFailed(err)
	}
	stats.FilesDownloaded = downloaded
	runErrors = append(runErrors, fileErrs...)

	cp.Phase = PhaseVerifying
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}
	if findings, err := verifyStore(ctx, s.repo, s.cfg.Storage.DataDir); err != nil {
		logger.Warn().Err(err).Msg("integrity verification did not finish")
	} else {
		runErrors = append(runErrors, findings.Summaries()...)
	}

	stats.Duration = time.Since(start)
	stats.APICalls = s.client.RequestCount() - apiCallsBefore
	stats.TotalPagesAffected = stats.PagesNew + stats.PagesModified + stats.PagesDeleted + stats.PagesMoved

	stats.FailedPageIDs = failedPages
	status := RunStatusCompleted
	if stats.FailureRate() > partialFailureThreshold {
		status = RunStatusPartial
	}
	runStats := RunStats{
		PagesScraped:     stats.PagesNew + stats.PagesModified,
		RevisionsScraped: stats.RevisionsAdded,
		FilesDownloaded:  stats.FilesDownloaded,
		PagesNew:         stats.PagesNew,
		PagesModified:    stats.PagesModified,
		PagesDeleted:     stats.PagesDeleted,
		PagesMoved:       stats.PagesMoved,
		Errors:           runErrors,
	}
	if err := s.repo.FinishRun(runID, status, runStats); err != nil {
		return stats, err
	}
	if err := s.checkpoints.Clear(); err != nil {
		logger.Warn().Err(err).Msg("could not remove checkpoint")
	}

	logger.Info().Str("status", status).
		Int64("new", stats.PagesNew).Int64("modified", stats.PagesModified).
		Int64("deleted", stats.PagesDeleted).Int64("moved", stats.PagesMoved).
		Int64("revisions", stats.RevisionsAdded).Int64("files", stats.FilesDownloaded).
		Int64("api_calls", stats.APICalls).Dur("duration", stats.Duration).
		Msg("incremental scrape finished")
	logFailedPages(failedPages)
	return stats, nil
}
