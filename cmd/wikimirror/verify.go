// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Findings is the advisory output of the post-run integrity sweep.
// Nothing here is fatal; findings are attached to the ScrapeRun record.
type Findings struct {
	DuplicateRevisions []int64
	OrphanPages        []int64
	BrokenLinks        []string
	CorruptFiles       []string
	TimestampAnomalies []int64
}

// Summaries renders non-empty findings for the run record.
func (f *Findings) Summaries() []string {
	var out []string
	if n := len(f.DuplicateRevisions); n > 0 {
		out = append(out, fmt.Sprintf("verifier: %d duplicate revision ids", n))
	}
	if n := len(f.OrphanPages); n > 0 {
		out = append(out, fmt.Sprintf("verifier: %d pages without revisions", n))
	}
	if n := len(f.BrokenLinks); n > 0 {
		out = append(out, fmt.Sprintf("verifier: %d broken link targets (sampled)", n))
	}
	if n := len(f.CorruptFiles); n > 0 {
		out = append(out, fmt.Sprintf("verifier: %d files with mismatched digests", n))
	}
	if n := len(f.TimestampAnomalies); n > 0 {
		out = append(out, fmt.Sprintf("verifier: %d pages older than their newest revision", n))
	}
	return out
}

// verifyStore runs the integrity checks concurrently; they are all
// read-only, so they may share the store.
func verifyStore(ctx context.Context, repo *Repository, dataDir string) (*Findings, error) {
	findings := &Findings{}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids, err := duplicateRevisionIDs(ctx, repo)
		findings.DuplicateRevisions = ids
		return err
	})
	g.Go(func() error {
		ids, err := orphanPages(ctx, repo)
		findings.OrphanPages = ids
		return err
	})
	g.Go(func() error {
		targets, err := brokenLinks(ctx, repo)
		findings.BrokenLinks = targets
		return err
	})
	g.Go(func() error {
		titles, err := corruptFiles(ctx, repo)
		findings.CorruptFiles = titles
		return err
	})
	g.Go(func() error {
		ids, err := timestampAnomalies(ctx, repo)
		findings.TimestampAnomalies = ids
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, id := range findings.OrphanPages {
		logger.Warn().Int64("page_id", id).Msg("page has no revisions")
	}
	return findings, nil
}

// duplicateRevisionIDs can only fire if the schema's primary key has
// been circumvented, but the check is cheap and the invariant matters.
func duplicateRevisionIDs(ctx context.Context, repo *Repository) ([]int64, error) {
	return queryInt64s(ctx, repo, `
		SELECT revision_id FROM revisions
		GROUP BY revision_id HAVING COUNT(*) > 1`)
}

func orphanPages(ctx context.Context, repo *Repository) ([]int64, error) {
	return queryInt64s(ctx, repo, `
		SELECT p.page_id FROM pages p
		LEFT JOIN revisions r ON r.page_id = p.page_id
		WHERE p.is_deleted = 0
		GROUP BY p.page_id HAVING COUNT(r.revision_id) = 0`)
}

// brokenLinks samples unresolved wikilink, file and category targets
// that still resolve to nothing. Template targets are excluded: wikis
// routinely reference templates that do not exist yet. A file link is
// satisfied by an archived upload even without a description page.
func brokenLinks(ctx context.Context, repo *Repository) ([]string, error) {
	rows, err := repo.db.QueryContext(ctx, `
		SELECT DISTINCT l.target_namespace, l.target_title
		FROM links l
		WHERE l.target_page_id IS NULL
		  AND l.link_type IN (?, ?, ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM pages p
		      WHERE p.namespace = l.target_namespace
		        AND p.title = l.target_title AND p.is_deleted = 0)
		  AND NOT (l.link_type = ? AND EXISTS (
		      SELECT 1 FROM files f
		      WHERE f.title = l.target_title AND f.is_deleted = 0))
		LIMIT 100`,
		LinkTypeWikilink, LinkTypeFile, LinkTypeCategory, LinkTypeFile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var ns int
		var title string
		if err := rows.Scan(&ns, &title); err != nil {
			return nil, err
		}
		targets = append(targets, fmt.Sprintf("ns%d:%s", ns, title))
	}
	return targets, rows.Err()
}

func corruptFiles(ctx context.Context, repo *Repository) ([]string, error) {
	rows, err := repo.db.QueryContext(ctx, `
		SELECT title, sha1, local_path FROM files
		WHERE local_path IS NOT NULL AND is_deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type entry struct {
		title, sha1, path string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.title, &e.sha1, &e.path); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var corrupt []string
	for _, e := range entries {
		if ctx.Err() != nil {
			return corrupt, ctx.Err()
		}
		digest, err := fileSha1(e.path)
		if err != nil || digest != e.sha1 {
			corrupt = append(corrupt, e.title)
		}
	}
	return corrupt, nil
}

func timestampAnomalies(ctx context.Context, repo *Repository) ([]int64, error) {
	return queryInt64s(ctx, repo, `
		SELECT p.page_id FROM pages p
		JOIN revisions r ON r.page_id = p.page_id
		GROUP BY p.page_id HAVING p.updated_at < MAX(r.timestamp)`)
}

func queryInt64s(ctx context.Context, repo *Repository, query string) ([]int64, error) {
	rows, err := repo.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
