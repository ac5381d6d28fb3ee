// SPDX-License-Identifier: MIT

package main

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
    page_id     INTEGER PRIMARY KEY,
    namespace   INTEGER NOT NULL,
    title       TEXT NOT NULL,
    is_redirect INTEGER NOT NULL DEFAULT 0,
    is_deleted  INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS pages_ns_title
    ON pages(namespace, title) WHERE is_deleted = 0;

CREATE TABLE IF NOT EXISTS revisions (
    revision_id        INTEGER PRIMARY KEY,
    page_id            INTEGER NOT NULL REFERENCES pages(page_id),
    parent_revision_id INTEGER,
    timestamp          TEXT NOT NULL,
    user               TEXT,
    user_id            INTEGER,
    comment            TEXT NOT NULL DEFAULT '',
    size               INTEGER NOT NULL DEFAULT 0,
    sha1               TEXT NOT NULL DEFAULT '',
    content            TEXT,
    tags               TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS revisions_page
    ON revisions(page_id, revision_id);

CREATE TABLE IF NOT EXISTS files (
    title           TEXT PRIMARY KEY,
    url             TEXT NOT NULL DEFAULT '',
    description_url TEXT NOT NULL DEFAULT '',
    sha1            TEXT NOT NULL DEFAULT '',
    size            INTEGER NOT NULL DEFAULT 0,
    width           INTEGER,
    height          INTEGER,
    mime_type       TEXT NOT NULL DEFAULT '',
    uploaded_at     TEXT,
    uploader        TEXT,
    local_path      TEXT,
    is_deleted      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS links (
    source_page_id   INTEGER NOT NULL REFERENCES pages(page_id),
    target_namespace INTEGER NOT NULL DEFAULT 0,
    target_title     TEXT NOT NULL,
    target_page_id   INTEGER,
    link_type        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS links_source ON links(source_page_id);
CREATE INDEX IF NOT EXISTS links_target ON links(target_namespace, target_title);

CREATE TABLE IF NOT EXISTS scrape_runs (
    run_id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_type          TEXT NOT NULL,
    status            TEXT NOT NULL,
    start_time        TEXT NOT NULL,
    end_time          TEXT,
    pages_scraped     INTEGER NOT NULL DEFAULT 0,
    revisions_scraped INTEGER NOT NULL DEFAULT 0,
    files_downloaded  INTEGER NOT NULL DEFAULT 0,
    pages_new         INTEGER NOT NULL DEFAULT 0,
    pages_modified    INTEGER NOT NULL DEFAULT 0,
    pages_deleted     INTEGER NOT NULL DEFAULT 0,
    pages_moved       INTEGER NOT NULL DEFAULT 0,
    errors_json       TEXT NOT NULL DEFAULT '[]'
);

-- External-content index over revisions.content; rowid is the
-- revision_id. Kept in sync by the repository, not by triggers.
CREATE VIRTUAL TABLE IF NOT EXISTS revisions_fts USING fts4(
    content,
    content='revisions'
);
`

// openDatabase opens (creating if needed) the SQLite store and applies
// the schema. WAL keeps the verifier's concurrent readers away from the
// writer's throat.
func openDatabase(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}
