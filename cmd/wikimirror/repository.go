// SPDX-License-Identifier: MIT

package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is the fixed wire form for timestamps in the store. All
// values are UTC, so the strings order the same way the instants do.
const timeLayout = "2006-01-02T15:04:05Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseStoredTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Page is a named content slot of the wiki, stored in wire form
// (underscores for spaces, namespace prefix stripped).
type Page struct {
	PageID     int64
	Namespace  int
	Title      string
	IsRedirect bool
	IsDeleted  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Revision is one immutable snapshot of a page. Content is nil for
// revisions the wiki has suppressed.
type Revision struct {
	RevisionID int64
	PageID     int64
	ParentID   int64 // 0 for the first revision of a page
	Timestamp  time.Time
	User       string
	UserID     int64 // 0 for anonymous edits
	Comment    string
	Size       int64
	SHA1       string
	Content    *string
	Tags       []string
}

// File is an uploaded media object, identified by its title.
type File struct {
	Title          string
	URL            string
	DescriptionURL string
	SHA1           string
	Size           int64
	Width          *int64
	Height         *int64
	MimeType       string
	UploadedAt     time.Time
	Uploader       string
	LocalPath      *string
	IsDeleted      bool
}

// Link is one directed edge out of a page's current content.
type Link struct {
	SourcePageID    int64
	TargetNamespace int
	TargetTitle     string
	TargetPageID    *int64
	Type            string
}

const (
	LinkTypeWikilink = "wikilink"
	LinkTypeTemplate = "template"
	LinkTypeFile     = "file"
	LinkTypeCategory = "category"
)

// PageUpdateInfo summarizes a stored page for the incremental
// orchestrator. HighestRevisionID is 0 for a page with no revisions.
type PageUpdateInfo struct {
	PageID            int64
	Namespace         int
	Title             string
	IsRedirect        bool
	HighestRevisionID int64
	LastRevisionTime  time.Time
	TotalRevisions    int64
}

// RunStats is the bundle of counters persisted on a ScrapeRun row.
type RunStats struct {
	PagesScraped     int64
	RevisionsScraped int64
	FilesDownloaded  int64
	PagesNew         int64
	PagesModified    int64
	PagesDeleted     int64
	PagesMoved       int64
	Errors           []string
}

const (
	RunTypeFull        = "full"
	RunTypeIncremental = "incremental"

	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusPartial   = "partial"
)

// Repository is the transactional façade over the SQLite store. It is
// a leaf: it never calls back into scraping or parsing code.
type Repository struct {
	db *sql.DB
}

func OpenRepository(path string) (*Repository, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpsertPages inserts or refreshes a batch of pages in one transaction.
// created_at survives the update branch; a page seen upstream is alive,
// so is_deleted resets.
func (r *Repository) UpsertPages(pages []Page) error {
	if len(pages) == 0 {
		return nil
	}
	now := fmtTime(time.Now())
	return r.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO pages (page_id, namespace, title, is_redirect, is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(page_id) DO UPDATE SET
				namespace   = excluded.namespace,
				title       = excluded.title,
				is_redirect = excluded.is_redirect,
				is_deleted  = 0,
				updated_at  = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range pages {
			if _, err := stmt.Exec(p.PageID, p.Namespace, p.Title, p.IsRedirect, now, now); err != nil {
				return fmt.Errorf("upserting page %d: %w", p.PageID, err)
			}
		}
		return nil
	})
}

// UpsertRevisions inserts a batch of revisions in one transaction and
// returns how many were actually new. Revisions are immutable, so an
// existing revision_id is left untouched. The FTS index is maintained
// here as a side effect, and the owning page's updated_at is advanced
// to at least the newest revision timestamp.
func (r *Repository) UpsertRevisions(revs []Revision) (int64, error) {
	if len(revs) == 0 {
		return 0, nil
	}
	var inserted int64
	err := r.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO revisions (revision_id, page_id, parent_revision_id, timestamp,
			                       user, user_id, comment, size, sha1, content, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(revision_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		ftsStmt, err := tx.Prepare(`INSERT INTO revisions_fts (rowid, content) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer ftsStmt.Close()
		touchStmt, err := tx.Prepare(`
			UPDATE pages SET updated_at = ? WHERE page_id = ? AND updated_at < ?`)
		if err != nil {
			return err
		}
		defer touchStmt.Close()

		for _, rev := range revs {
			tags, err := json.Marshal(rev.Tags)
			if err != nil {
				return err
			}
			var parent any
			if rev.ParentID != 0 {
				parent = rev.ParentID
			}
			var user any
			if rev.User != "" {
				user = rev.User
			}
			ts := fmtTime(rev.Timestamp)
			res, err := stmt.Exec(rev.RevisionID, rev.PageID, parent, ts,
				user, rev.UserID, rev.Comment, rev.Size, rev.SHA1, rev.Content, string(tags))
			if err != nil {
				return fmt.Errorf("upserting revision %d: %w", rev.RevisionID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			inserted++
			if rev.Content != nil {
				if _, err := ftsStmt.Exec(rev.RevisionID, *rev.Content); err != nil {
					return fmt.Errorf("indexing revision %d: %w", rev.RevisionID, err)
				}
			}
			if _, err := touchStmt.Exec(ts, rev.PageID, ts); err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, err
}

// MarkPageDeleted sets the tombstone flag, preserving all revisions.
// Unknown page IDs are a no-op: we never held content for them.
func (r *Repository) MarkPageDeleted(pageID int64) error {
	res, err := r.db.Exec(
		`UPDATE pages SET is_deleted = 1, updated_at = ? WHERE page_id = ?`,
		fmtTime(time.Now()), pageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logger.Debug().Int64("page_id", pageID).Msg("delete of unknown page ignored")
	}
	return nil
}

// RenamePage atomically updates a page's namespace and title.
func (r *Repository) RenamePage(pageID int64, namespace int, title string) error {
	_, err := r.db.Exec(
		`UPDATE pages SET namespace = ?, title = ?, updated_at = ? WHERE page_id = ?`,
		namespace, title, fmtTime(time.Now()), pageID)
	return err
}

// GetPageUpdateInfo returns stored-state summaries for the given pages.
// Pages not in the store are absent from the result.
func (r *Repository) GetPageUpdateInfo(pageIDs []int64) ([]PageUpdateInfo, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT p.page_id, p.namespace, p.title, p.is_redirect,
		       COALESCE(MAX(r.revision_id), 0),
		       COALESCE(MAX(r.timestamp), ''),
		       COUNT(r.revision_id)
		FROM pages p
		LEFT JOIN revisions r ON r.page_id = p.page_id
		WHERE p.page_id IN (%s)
		GROUP BY p.page_id`, placeholders(len(pageIDs)))
	rows, err := r.db.Query(query, int64Args(pageIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []PageUpdateInfo
	for rows.Next() {
		var info PageUpdateInfo
		var lastTS string
		if err := rows.Scan(&info.PageID, &info.Namespace, &info.Title, &info.IsRedirect,
			&info.HighestRevisionID, &lastTS, &info.TotalRevisions); err != nil {
			return nil, err
		}
		if lastTS != "" {
			if t, err := parseStoredTime(lastTS); err == nil {
				info.LastRevisionTime = t
			}
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// FilterNewPages returns, in input order, the page IDs that do not yet
// exist in the store. One batched existence query.
func (r *Repository) FilterNewPages(pageIDs []int64) ([]int64, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT page_id FROM pages WHERE page_id IN (%s)`, placeholders(len(pageIDs)))
	rows, err := r.db.Query(query, int64Args(pageIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[int64]bool, len(pageIDs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var fresh []int64
	for _, id := range pageIDs {
		if !existing[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

// ReplaceOutgoingLinks rebuilds a page's outgoing edges under one
// transaction. Incoming links from elsewhere are untouched. Target
// resolution is best effort at insert time; unresolved targets keep a
// NULL target_page_id.
func (r *Repository) ReplaceOutgoingLinks(pageID int64, links []Link) error {
	return r.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM links WHERE source_page_id = ?`, pageID); err != nil {
			return err
		}
		if len(links) == 0 {
			return nil
		}
		stmt, err := tx.Prepare(`
			INSERT INTO links (source_page_id, target_namespace, target_title, target_page_id, link_type)
			VALUES (?, ?, ?,
			        (SELECT page_id FROM pages WHERE namespace = ? AND title = ? AND is_deleted = 0),
			        ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, l := range links {
			if _, err := stmt.Exec(pageID, l.TargetNamespace, l.TargetTitle,
				l.TargetNamespace, l.TargetTitle, l.Type); err != nil {
				return err
			}
		}
		return nil
	})
}

// OutgoingLinks returns a page's stored outgoing links.
func (r *Repository) OutgoingLinks(pageID int64) ([]Link, error) {
	rows, err := r.db.Query(`
		SELECT source_page_id, target_namespace, target_title, target_page_id, link_type
		FROM links WHERE source_page_id = ?
		ORDER BY target_namespace, target_title, link_type`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var target sql.NullInt64
		if err := rows.Scan(&l.SourcePageID, &l.TargetNamespace, &l.TargetTitle, &target, &l.Type); err != nil {
			return nil, err
		}
		if target.Valid {
			l.TargetPageID = &target.Int64
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// RecordFileChanges applies a file delta in one transaction: upserts
// for new and modified entries, tombstones for titles gone upstream.
// A changed digest invalidates local_path; an unchanged one keeps it.
func (r *Repository) RecordFileChanges(newFiles, modified []File, deleted []string) error {
	return r.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO files (title, url, description_url, sha1, size, width, height,
			                   mime_type, uploaded_at, uploader, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(title) DO UPDATE SET
				url             = excluded.url,
				description_url = excluded.description_url,
				size            = excluded.size,
				width           = excluded.width,
				height          = excluded.height,
				mime_type       = excluded.mime_type,
				uploaded_at     = excluded.uploaded_at,
				uploader        = excluded.uploader,
				is_deleted      = 0,
				local_path      = CASE WHEN files.sha1 = excluded.sha1
				                       THEN files.local_path ELSE NULL END,
				sha1            = excluded.sha1`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, batch := range [][]File{newFiles, modified} {
			for _, f := range batch {
				var uploadedAt any
				if !f.UploadedAt.IsZero() {
					uploadedAt = fmtTime(f.UploadedAt)
				}
				if _, err := stmt.Exec(f.Title, f.URL, f.DescriptionURL, f.SHA1, f.Size,
					f.Width, f.Height, f.MimeType, uploadedAt, f.Uploader); err != nil {
					return fmt.Errorf("upserting file %q: %w", f.Title, err)
				}
			}
		}
		for _, title := range deleted {
			if _, err := tx.Exec(`UPDATE files SET is_deleted = 1 WHERE title = ?`, title); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetFileLocalPath records where a file's verified bytes live.
func (r *Repository) SetFileLocalPath(title, localPath string) error {
	_, err := r.db.Exec(`UPDATE files SET local_path = ? WHERE title = ?`, localPath, title)
	return err
}

// FileDigests maps every live stored file title to its SHA-1.
func (r *Repository) FileDigests() (map[string]string, error) {
	rows, err := r.db.Query(`SELECT title, sha1 FROM files WHERE is_deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	digests := make(map[string]string)
	for rows.Next() {
		var title, sha1 string
		if err := rows.Scan(&title, &sha1); err != nil {
			return nil, err
		}
		digests[title] = sha1
	}
	return digests, rows.Err()
}

// BeginRun creates a ScrapeRun row in the running state.
func (r *Repository) BeginRun(runType string) (int64, error) {
	res, err := r.db.Exec(
		`INSERT INTO scrape_runs (run_type, status, start_time) VALUES (?, ?, ?)`,
		runType, RunStatusRunning, fmtTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishRun transitions a run to its terminal state with final stats.
func (r *Repository) FinishRun(runID int64, status string, stats RunStats) error {
	errorsJSON, err := json.Marshal(stats.Errors)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		UPDATE scrape_runs SET
			status = ?, end_time = ?,
			pages_scraped = ?, revisions_scraped = ?, files_downloaded = ?,
			pages_new = ?, pages_modified = ?, pages_deleted = ?, pages_moved = ?,
			errors_json = ?
		WHERE run_id = ?`,
		status, fmtTime(time.Now()),
		stats.PagesScraped, stats.RevisionsScraped, stats.FilesDownloaded,
		stats.PagesNew, stats.PagesModified, stats.PagesDeleted, stats.PagesMoved,
		string(errorsJSON), runID)
	return err
}

// FailRun transitions a run to failed with a single error message.
func (r *Repository) FailRun(runID int64, message string) error {
	return r.FinishRun(runID, RunStatusFailed, RunStats{Errors: []string{message}})
}

// LastSuccessfulRunEnd returns MAX(end_time) over completed runs, or
// nil when the store has never completed a run.
func (r *Repository) LastSuccessfulRunEnd() (*time.Time, error) {
	var ts sql.NullString
	err := r.db.QueryRow(
		`SELECT MAX(end_time) FROM scrape_runs WHERE status = ?`,
		RunStatusCompleted).Scan(&ts)
	if err != nil {
		return nil, err
	}
	if !ts.Valid || ts.String == "" {
		return nil, nil
	}
	t, err := parseStoredTime(ts.String)
	if err != nil {
		return nil, fmt.Errorf("malformed end_time %q: %w", ts.String, err)
	}
	return &t, nil
}

// RunStatus reads back a run's terminal state, for tests and tooling.
func (r *Repository) RunStatus(runID int64) (string, error) {
	var status string
	err := r.db.QueryRow(`SELECT status FROM scrape_runs WHERE run_id = ?`, runID).Scan(&status)
	return status, err
}

// CountPages counts live pages, for the populated-store guard.
func (r *Repository) CountPages() (int64, error) {
	var n int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pages WHERE is_deleted = 0`).Scan(&n)
	return n, err
}

// StreamPages iterates live pages without materializing the store.
func (r *Repository) StreamPages(fn func(Page) error) error {
	rows, err := r.db.Query(`
		SELECT page_id, namespace, title, is_redirect, is_deleted, created_at, updated_at
		FROM pages WHERE is_deleted = 0 ORDER BY page_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var p Page
		var createdAt, updatedAt string
		if err := rows.Scan(&p.PageID, &p.Namespace, &p.Title, &p.IsRedirect,
			&p.IsDeleted, &createdAt, &updatedAt); err != nil {
			return err
		}
		p.CreatedAt, _ = parseStoredTime(createdAt)
		p.UpdatedAt, _ = parseStoredTime(updatedAt)
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamRevisions iterates a page's revisions in ascending revision_id.
func (r *Repository) StreamRevisions(pageID int64, fn func(Revision) error) error {
	rows, err := r.db.Query(`
		SELECT revision_id, page_id, COALESCE(parent_revision_id, 0), timestamp,
		       COALESCE(user, ''), COALESCE(user_id, 0), comment, size, sha1, content, tags
		FROM revisions WHERE page_id = ? ORDER BY revision_id`, pageID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rev Revision
		var ts, tags string
		var content sql.NullString
		if err := rows.Scan(&rev.RevisionID, &rev.PageID, &rev.ParentID, &ts,
			&rev.User, &rev.UserID, &rev.Comment, &rev.Size, &rev.SHA1, &content, &tags); err != nil {
			return err
		}
		rev.Timestamp, _ = parseStoredTime(ts)
		if content.Valid {
			rev.Content = &content.String
		}
		if err := json.Unmarshal([]byte(tags), &rev.Tags); err != nil {
			rev.Tags = nil
		}
		if err := fn(rev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
