// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// checkpointEvery is how many completed identities may pass between
// checkpoint saves.
const checkpointEvery = 10

// partialFailureThreshold is the failed-page share above which a run
// counts as partial instead of completed.
const partialFailureThreshold = 0.10

// defaultNamespaces are the 16 standard MediaWiki namespaces.
func defaultNamespaces() []int {
	ns := make([]int, 16)
	for i := range ns {
		ns[i] = i
	}
	return ns
}

// Scraper bundles the collaborators both orchestrators drive.
type Scraper struct {
	cfg         *Config
	repo        *Repository
	limiter     *RateLimiter
	client      *Client
	checkpoints *CheckpointStore
}

func NewScraper(cfg *Config, repo *Repository) *Scraper {
	limiter := NewRateLimiter(cfg.Scraper.RateLimit, 5*time.Second, 300*time.Second, true)
	return &Scraper{
		cfg:         cfg,
		repo:        repo,
		limiter:     limiter,
		client:      NewClient(cfg, limiter),
		checkpoints: NewCheckpointStore(cfg.Storage.CheckpointFile),
	}
}

// ScrapeResult summarizes a baseline run.
type ScrapeResult struct {
	Pages             int64
	Revisions         int64
	Files             int64
	Duration          time.Duration
	NamespacesScraped []int
	Errors            []string
	FailedPageIDs     []int64
}

// FailureRate is the share of attempted pages that could not be
// scraped.
func (r *ScrapeResult) FailureRate() float64 {
	total := r.Pages + int64(len(r.FailedPageIDs))
	if total < 1 {
		return 0
	}
	return float64(len(r.FailedPageIDs)) / float64(total)
}

// RunFull builds a cold baseline: discover pages per namespace, fetch
// every revision, download files, extract links, verify. Progress is
// checkpointed so an interrupted run resumes without redoing committed
// work.
func (s *Scraper) RunFull(ctx context.Context, namespaces []int) (*ScrapeResult, error) {
	if len(namespaces) == 0 {
		namespaces = defaultNamespaces()
	}
	params := CheckpointParams{
		RunType:    RunTypeFull,
		BaseURL:    s.cfg.Wiki.BaseURL,
		Namespaces: namespaces,
	}
	cp := s.resumeOrFresh(params)

	runID, err := s.repo.BeginRun(RunTypeFull)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result := &ScrapeResult{NamespacesScraped: namespaces}

	finishFailed := func(cause error) (*ScrapeResult, error) {
		result.Duration = time.Since(start)
		if saveErr := s.checkpoints.Save(cp); saveErr != nil {
			logger.Error().Err(saveErr).Msg("could not save checkpoint")
		}
		if failErr := s.repo.FailRun(runID, cause.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("could not mark run failed")
		}
		return result, cause
	}

	// Phase 1: discovery, one committed batch per namespace.
	cp.Phase = PhaseDiscovering
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}
	for _, ns := range namespaces {
		if cp.HasNamespace(ns) {
			continue
		}
		if ctx.Err() != nil {
			return finishFailed(errInterrupted)
		}
		cp.CurrentNamespace = ns
		pages, err := discoverPages(ctx, s.client, ns)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return finishFailed(errInterrupted)
			}
			// A namespace that will not enumerate does not sink the
			// run; the rest of the wiki is still worth archiving.
			msg := fmt.Sprintf("namespace %d discovery failed: %v", ns, err)
			logger.Error().Err(err).Int("namespace", ns).Msg("namespace discovery failed")
			result.Errors = append(result.Errors, msg)
			continue
		}
		if err := s.repo.UpsertPages(pages); err != nil {
			return finishFailed(err)
		}
		logger.Info().Int("namespace", ns).Int("pages", len(pages)).Msg("namespace discovered")
		cp.AddNamespace(ns)
		if err := s.checkpoints.Save(cp); err != nil {
			return finishFailed(err)
		}
	}

	// Phase 2: per-page revision scrape and link extraction.
	cp.Phase = PhaseScrapingPages
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}
	done := mapset.NewSet(cp.CompletedNewPages...)
	var pending []int64
	nsWanted := mapset.NewSet(namespaces...)
	err = s.repo.StreamPages(func(p Page) error {
		if nsWanted.Contains(p.Namespace) && !done.Contains(p.PageID) {
			pending = append(pending, p.PageID)
		}
		return nil
	})
	if err != nil {
		return finishFailed(err)
	}

	sinceSave := 0
	for _, pageID := range pending {
		if ctx.Err() != nil {
			return finishFailed(errInterrupted)
		}
		revs, err := s.scrapePage(ctx, pageID, 0, false)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return finishFailed(errInterrupted)
			}
			if !isPageLevelError(err) {
				return finishFailed(err)
			}
			logger.Error().Err(err).Int64("page_id", pageID).Msg("page scrape failed")
			result.FailedPageIDs = append(result.FailedPageIDs, pageID)
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %v", pageID, err))
			continue
		}
		result.Pages++
		result.Revisions += revs
		metricPagesScraped.Inc()

		cp.CompletedNewPages = append(cp.CompletedNewPages, pageID)
		sinceSave++
		if sinceSave >= checkpointEvery {
			if err := s.checkpoints.Save(cp); err != nil {
				return finishFailed(err)
			}
			sinceSave = 0
		}
	}
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}

	// Phase 3: file metadata and bytes.
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
	result.Files = downloaded
	result.Errors = append(result.Errors, fileErrs...)

	// Phase 4: advisory integrity sweep.
	cp.Phase = PhaseVerifying
	if err := s.checkpoints.Save(cp); err != nil {
		return finishFailed(err)
	}
	if findings, err := verifyStore(ctx, s.repo, s.cfg.Storage.DataDir); err != nil {
		logger.Warn().Err(err).Msg("integrity verification did not finish")
	} else {
		result.Errors = append(result.Errors, findings.Summaries()...)
	}

	result.Duration = time.Since(start)
	status := RunStatusCompleted
	if result.FailureRate() > partialFailureThreshold {
		status = RunStatusPartial
	}
	stats := RunStats{
		PagesScraped:     result.Pages,
		RevisionsScraped: result.Revisions,
		FilesDownloaded:  result.Files,
		PagesNew:         result.Pages,
		Errors:           result.Errors,
	}
	if err := s.repo.FinishRun(runID, status, stats); err != nil {
		return result, err
	}
	if err := s.checkpoints.Clear(); err != nil {
		logger.Warn().Err(err).Msg("could not remove checkpoint")
	}

	logger.Info().Str("status", status).Int64("pages", result.Pages).
		Int64("revisions", result.Revisions).Int64("files", result.Files).
		Int("failed_pages", len(result.FailedPageIDs)).
		Dur("duration", result.Duration).Msg("full scrape finished")
	logFailedPages(result.FailedPageIDs)
	return result, nil
}

// resumeOrFresh loads a compatible checkpoint or starts a new one.
func (s *Scraper) resumeOrFresh(params CheckpointParams) *Checkpoint {
	if cp := s.checkpoints.Load(); cp != nil {
		if cp.Parameters.Equal(params) {
			logger.Info().Str("phase", cp.Phase).
				Int("pages_done", len(cp.CompletedNewPages)).
				Msg("resuming from checkpoint")
			return cp
		}
		logger.Warn().Msg("checkpoint exists but parameters differ, starting fresh")
	}
	return newCheckpoint(params)
}

// scrapePage fetches a page's revisions after startAfterID, persists
// them, and rebuilds the page's outgoing links from the tip content.
// ensurePage also persists the page row itself, which incremental
// scrapes of newly created pages need. Returns the number of newly
// stored revisions.
func (s *Scraper) scrapePage(ctx context.Context, pageID, startAfterID int64, ensurePage bool) (int64, error) {
	page, revs, err := fetchRevisions(ctx, s.client, pageID, startAfterID)
	if err != nil {
		return 0, err
	}
	if page == nil {
		// Vanished between discovery and fetch; the next incremental
		// will see the delete log entry.
		logger.Debug().Int64("page_id", pageID).Msg("page missing upstream, skipping")
		return 0, nil
	}
	if ensurePage {
		if err := s.repo.UpsertPages([]Page{*page}); err != nil {
			return 0, err
		}
	}
	inserted, err := s.repo.UpsertRevisions(revs)
	if err != nil {
		return 0, err
	}
	metricRevisionsScraped.Add(float64(inserted))
	if tip := tipContent(revs); tip != nil {
		extracted := extractLinks(*tip, s.client.Namespaces())
		if err := s.repo.ReplaceOutgoingLinks(pageID, toLinks(pageID, extracted)); err != nil {
			return 0, err
		}
	}
	return inserted, nil
}

// scrapeFiles enumerates upstream files, records the delta, and
// downloads bytes for new and modified entries. Per-file failures are
// collected, not fatal.
func (s *Scraper) scrapeFiles(ctx context.Context, cp *Checkpoint) (int64, []string, error) {
	upstream, err := discoverFiles(ctx, s.client)
	if err != nil {
		return 0, nil, err
	}
	stored, err := s.repo.FileDigests()
	if err != nil {
		return 0, nil, err
	}
	newFiles, modified, deleted := classifyFiles(upstream, stored)
	if err := s.repo.RecordFileChanges(newFiles, modified, deleted); err != nil {
		return 0, nil, err
	}
	logger.Info().Int("new", len(newFiles)).Int("modified", len(modified)).
		Int("deleted", len(deleted)).Msg("file delta recorded")

	completed := mapset.NewSet(cp.CompletedFiles...)
	var downloaded int64
	var errs []string
	sinceSave := 0
	for _, f := range append(newFiles, modified...) {
		if ctx.Err() != nil {
			return downloaded, errs, errInterrupted
		}
		if completed.Contains(f.Title) {
			continue
		}
		localPath, err := downloadFile(ctx, s.client.httpClient, s.limiter,
			s.cfg.Scraper.UserAgent, s.cfg.Storage.DataDir, f)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return downloaded, errs, errInterrupted
			}
			logger.Error().Err(err).Str("file", f.Title).Msg("file download failed")
			errs = append(errs, fmt.Sprintf("file %q: %v", f.Title, err))
			continue
		}
		if err := s.repo.SetFileLocalPath(f.Title, localPath); err != nil {
			return downloaded, errs, err
		}
		downloaded++
		metricFilesDownloaded.Inc()

		cp.CompletedFiles = append(cp.CompletedFiles, f.Title)
		sinceSave++
		if sinceSave >= checkpointEvery {
			if err := s.checkpoints.Save(cp); err != nil {
				return downloaded, errs, err
			}
			sinceSave = 0
		}
	}
	return downloaded, errs, nil
}

// isPageLevelError reports whether an error should skip one page
// rather than abort the run. Repository and context errors are fatal.
func isPageLevelError(err error) bool {
	var notFound *PageNotFoundError
	var request *APIRequestError
	var response *APIResponseError
	var download *DownloadError
	return errors.As(err, &notFound) ||
		errors.As(err, &request) ||
		errors.As(err, &response) ||
		errors.As(err, &download)
}

func logFailedPages(failed []int64) {
	if len(failed) == 0 {
		return
	}
	sample := failed
	if len(sample) > 5 {
		sample = sample[:5]
	}
	logger.Warn().Ints64("first_failed_page_ids", sample).
		Int("failed_total", len(failed)).Msg("some pages could not be scraped")
}

// DryRun performs discovery only and reports what a baseline at the
// configured rate would cost. No writes happen.
func (s *Scraper) DryRun(ctx context.Context, namespaces []int) error {
	if len(namespaces) == 0 {
		namespaces = defaultNamespaces()
	}
	byNamespace, err := discoverAllPages(ctx, s.client, namespaces)
	if err != nil {
		return fmt.Errorf("page discovery failed: %w", err)
	}
	var total int64
	fmt.Println("namespace breakdown:")
	for _, ns := range namespaces {
		pages := byNamespace[ns]
		fmt.Printf("  namespace %3d: %6d pages\n", ns, len(pages))
		total += int64(len(pages))
	}

	// One revisions call per page, plus discovery and file
	// enumeration overhead, paced at the configured rate.
	apiCalls := total + int64(len(namespaces)) + total/500 + 1
	eta := time.Duration(float64(apiCalls)/s.cfg.Scraper.RateLimit) * time.Second
	fmt.Printf("total: %d pages, ~%d API calls, ETA %s at %.1f req/s\n",
		total, apiCalls, eta.Round(time.Minute), s.cfg.Scraper.RateLimit)
	return nil
}
