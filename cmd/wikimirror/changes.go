// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// MovedPage records a page rename seen in the change feed.
type MovedPage struct {
	PageID    int64
	OldTitle  string
	NewTitle  string
	Namespace int
	Timestamp time.Time
}

// ChangeSet is the categorized delta between the store and upstream
// since the last successful run.
type ChangeSet struct {
	LastScrapeTime     *time.Time
	DetectionTime      time.Time
	RequiresFullScrape bool
	NewPages           mapset.Set[int64]
	ModifiedPages      mapset.Set[int64]
	DeletedPages       mapset.Set[int64]
	MovedPages         []MovedPage
}

func emptyChangeSet() *ChangeSet {
	return &ChangeSet{
		DetectionTime: time.Now().UTC(),
		NewPages:      mapset.NewSet[int64](),
		ModifiedPages: mapset.NewSet[int64](),
		DeletedPages:  mapset.NewSet[int64](),
	}
}

// Empty reports whether the change set carries no work.
func (c *ChangeSet) Empty() bool {
	return !c.RequiresFullScrape &&
		c.NewPages.Cardinality() == 0 &&
		c.ModifiedPages.Cardinality() == 0 &&
		c.DeletedPages.Cardinality() == 0 &&
		len(c.MovedPages) == 0
}

// detectChanges combines the change feed with repository state. When
// the store has never completed a run it flags requires_full_scrape
// without touching the network. since, when non-nil, overrides the
// stored last-run timestamp (the CLI's --since flag).
func detectChanges(ctx context.Context, client *Client, repo *Repository, since *time.Time, namespaces []int) (*ChangeSet, error) {
	cs := emptyChangeSet()

	start := since
	if start == nil {
		lastRun, err := repo.LastSuccessfulRunEnd()
		if err != nil {
			return nil, err
		}
		start = lastRun
	}
	if start == nil {
		cs.RequiresFullScrape = true
		return cs, nil
	}
	cs.LastScrapeTime = start

	changes, err := readRecentChanges(ctx, client, *start, cs.DetectionTime, namespaces, nil)
	if err != nil {
		return nil, err
	}

	// Pages created inside the window absorb their own later edits;
	// the full scrape of a new page covers them.
	createdInWindow := mapset.NewSet[int64]()

	for _, c := range changes {
		switch {
		case c.Type == "new":
			cs.NewPages.Add(c.PageID)
			createdInWindow.Add(c.PageID)
		case c.Type == "edit":
			if !createdInWindow.Contains(c.PageID) {
				cs.ModifiedPages.Add(c.PageID)
			}
		case c.Type == "log" && c.LogType == "delete" && c.LogAction != "restore":
			cs.DeletedPages.Add(c.PageID)
			// Created then deleted within one window nets out to a
			// deletion; there is nothing left to scrape.
			cs.NewPages.Remove(c.PageID)
		case c.Type == "log" && c.LogType == "move":
			cs.MovedPages = append(cs.MovedPages, MovedPage{
				PageID:    c.PageID,
				OldTitle:  c.Title,
				NewTitle:  c.NewTitle,
				Namespace: c.Namespace,
				Timestamp: c.Timestamp,
			})
		}
	}

	// A deletion supersedes any edits earlier in the window.
	cs.ModifiedPages = cs.ModifiedPages.Difference(cs.DeletedPages)

	return cs, nil
}
