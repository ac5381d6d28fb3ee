// SPDX-License-Identifier: MIT

package main

import (
	"reflect"
	"testing"
	"time"
)

func mustUpsertPages(t *testing.T, repo *Repository, pages ...Page) {
	t.Helper()
	if err := repo.UpsertPages(pages); err != nil {
		t.Fatal(err)
	}
}

func strptr(s string) *string { return &s }

func TestUpsertPagesIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 1, Namespace: 0, Title: "Alpha"})

	var createdAt string
	if err := repo.db.QueryRow(`SELECT created_at FROM pages WHERE page_id = 1`).Scan(&createdAt); err != nil {
		t.Fatal(err)
	}

	// Re-upserting refreshes mutable fields but keeps created_at.
	mustUpsertPages(t, repo, Page{PageID: 1, Namespace: 0, Title: "Alpha_Renamed", IsRedirect: true})

	var title, createdAfter string
	var isRedirect bool
	err := repo.db.QueryRow(
		`SELECT title, is_redirect, created_at FROM pages WHERE page_id = 1`).
		Scan(&title, &isRedirect, &createdAfter)
	if err != nil {
		t.Fatal(err)
	}
	if title != "Alpha_Renamed" || !isRedirect {
		t.Errorf("title=%q redirect=%v after re-upsert", title, isRedirect)
	}
	if createdAfter != createdAt {
		t.Errorf("created_at changed on update: %q -> %q", createdAt, createdAfter)
	}
	if n, err := repo.CountPages(); err != nil || n != 1 {
		t.Errorf("CountPages = %d, %v, want 1", n, err)
	}
}

func TestUpsertPagesRevivesTombstone(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 1, Title: "Alpha"})
	if err := repo.MarkPageDeleted(1); err != nil {
		t.Fatal(err)
	}
	if n, _ := repo.CountPages(); n != 0 {
		t.Fatalf("CountPages after delete = %d, want 0", n)
	}
	// Seen upstream again: the page is alive.
	mustUpsertPages(t, repo, Page{PageID: 1, Title: "Alpha"})
	if n, _ := repo.CountPages(); n != 1 {
		t.Errorf("CountPages after revival = %d, want 1", n)
	}
}

func TestUpsertRevisionsImmutable(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 1, Title: "Alpha"})

	revs := []Revision{
		{RevisionID: 11, PageID: 1, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			User: "Ann", UserID: 5, Comment: "created", Size: 4, SHA1: sha1Hex("old"),
			Content: strptr("old"), Tags: []string{"mobile"}},
		{RevisionID: 12, PageID: 1, ParentID: 11,
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			User:      "Bob", Size: 4, SHA1: sha1Hex("new"), Content: strptr("new")},
	}
	inserted, err := repo.UpsertRevisions(revs)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	// A second upsert of the same batch inserts nothing and alters
	// nothing: revisions are immutable.
	revs[0].Content = strptr("tampered")
	inserted, err = repo.UpsertRevisions(revs)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 0 {
		t.Errorf("re-upsert inserted = %d, want 0", inserted)
	}

	var stored []Revision
	err = repo.StreamRevisions(1, func(r Revision) error {
		stored = append(stored, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d revisions, want 2", len(stored))
	}
	if *stored[0].Content != "old" {
		t.Errorf("revision 11 content = %q, want %q", *stored[0].Content, "old")
	}
	if !reflect.DeepEqual(stored[0].Tags, []string{"mobile"}) {
		t.Errorf("revision 11 tags = %v", stored[0].Tags)
	}
	if stored[1].ParentID != 11 {
		t.Errorf("revision 12 parent = %d, want 11", stored[1].ParentID)
	}
}

func TestUpsertRevisionsAdvancesPageTimestamp(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 1, Title: "Alpha"})

	// Push updated_at into the past, then store a newer revision.
	if _, err := repo.db.Exec(
		`UPDATE pages SET updated_at = '2020-01-01T00:00:00Z' WHERE page_id = 1`); err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := repo.UpsertRevisions([]Revision{
		{RevisionID: 11, PageID: 1, Timestamp: ts, Content: strptr("x")},
	}); err != nil {
		t.Fatal(err)
	}

	var updatedAt string
	if err := repo.db.QueryRow(`SELECT updated_at FROM pages WHERE page_id = 1`).Scan(&updatedAt); err != nil {
		t.Fatal(err)
	}
	if updatedAt != fmtTime(ts) {
		t.Errorf("updated_at = %q, want %q", updatedAt, fmtTime(ts))
	}
}

func TestSuppressedRevisionContent(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 1, Title: "Alpha"})
	if _, err := repo.UpsertRevisions([]Revision{
		{RevisionID: 11, PageID: 1, Timestamp: time.Now(), Content: nil},
	}); err != nil {
		t.Fatal(err)
	}
	err := repo.StreamRevisions(1, func(r Revision) error {
		if r.Content != nil {
			t.Errorf("suppressed revision stored content %q", *r.Content)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMarkPageDeletedUnknownIsNoop(t *testing.T) {
	repo := newTestRepository(t)
	if err := repo.MarkPageDeleted(999); err != nil {
		t.Errorf("MarkPageDeleted(999) = %v, want nil", err)
	}
}

func TestRenamePage(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 1, Namespace: 0, Title: "Old_Name"})
	if err := repo.RenamePage(1, 4, "New_Name"); err != nil {
		t.Fatal(err)
	}
	var ns int
	var title string
	if err := repo.db.QueryRow(`SELECT namespace, title FROM pages WHERE page_id = 1`).Scan(&ns, &title); err != nil {
		t.Fatal(err)
	}
	if ns != 4 || title != "New_Name" {
		t.Errorf("after rename: ns=%d title=%q", ns, title)
	}
}

func TestGetPageUpdateInfo(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo,
		Page{PageID: 1, Title: "Alpha"},
		Page{PageID: 2, Title: "Beta"})
	if _, err := repo.UpsertRevisions([]Revision{
		{RevisionID: 11, PageID: 1, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{RevisionID: 15, PageID: 1, Timestamp: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatal(err)
	}

	infos, err := repo.GetPageUpdateInfo([]int64{1, 2, 777})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2 (unknown id 777 absent)", len(infos))
	}
	byID := map[int64]PageUpdateInfo{}
	for _, info := range infos {
		byID[info.PageID] = info
	}
	if got := byID[1]; got.HighestRevisionID != 15 || got.TotalRevisions != 2 {
		t.Errorf("page 1 info = %+v", got)
	}
	if got := byID[2]; got.HighestRevisionID != 0 || got.TotalRevisions != 0 {
		t.Errorf("page 2 (no revisions) info = %+v", got)
	}
}

func TestFilterNewPages(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 2, Title: "Known"})

	fresh, err := repo.FilterNewPages([]int64{3, 2, 1})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fresh, []int64{3, 1}) {
		t.Errorf("FilterNewPages = %v, want [3 1] in input order", fresh)
	}
}

func TestReplaceOutgoingLinks(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo,
		Page{PageID: 1, Namespace: 0, Title: "Alpha"},
		Page{PageID: 2, Namespace: 0, Title: "Beta"})

	links := []Link{
		{SourcePageID: 1, TargetNamespace: 0, TargetTitle: "Beta", Type: LinkTypeWikilink},
		{SourcePageID: 1, TargetNamespace: 0, TargetTitle: "Missing", Type: LinkTypeWikilink},
		{SourcePageID: 1, TargetNamespace: 10, TargetTitle: "Infobox", Type: LinkTypeTemplate},
	}
	if err := repo.ReplaceOutgoingLinks(1, links); err != nil {
		t.Fatal(err)
	}

	stored, err := repo.OutgoingLinks(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("got %d links, want 3", len(stored))
	}
	for _, l := range stored {
		switch l.TargetTitle {
		case "Beta":
			if l.TargetPageID == nil || *l.TargetPageID != 2 {
				t.Errorf("link to Beta unresolved: %+v", l)
			}
		case "Missing", "Infobox":
			if l.TargetPageID != nil {
				t.Errorf("link to %s resolved to %d, want NULL", l.TargetTitle, *l.TargetPageID)
			}
		}
	}

	// Replacing with the same extraction result is a no-op in effect.
	if err := repo.ReplaceOutgoingLinks(1, links); err != nil {
		t.Fatal(err)
	}
	again, err := repo.OutgoingLinks(1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stored, again) {
		t.Errorf("second replace changed links:\n%+v\n%+v", stored, again)
	}

	// Shrinking the content drops edges.
	if err := repo.ReplaceOutgoingLinks(1, links[:1]); err != nil {
		t.Fatal(err)
	}
	shrunk, err := repo.OutgoingLinks(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(shrunk) != 1 {
		t.Errorf("got %d links after shrink, want 1", len(shrunk))
	}
}

func TestRecordFileChanges(t *testing.T) {
	repo := newTestRepository(t)
	w, h := int64(10), int64(20)
	logo := File{Title: "Logo.png", URL: "http://wiki.test/media/Logo.png",
		SHA1: sha1Hex("v1"), Size: 2, Width: &w, Height: &h, MimeType: "image/png",
		UploadedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Uploader: "Ann"}
	if err := repo.RecordFileChanges([]File{logo}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetFileLocalPath("Logo.png", "/data/files/L/Logo.png"); err != nil {
		t.Fatal(err)
	}

	// Unchanged digest keeps the local copy.
	if err := repo.RecordFileChanges(nil, []File{logo}, nil); err != nil {
		t.Fatal(err)
	}
	var localPath *string
	if err := repo.db.QueryRow(`SELECT local_path FROM files WHERE title = 'Logo.png'`).Scan(&localPath); err != nil {
		t.Fatal(err)
	}
	if localPath == nil {
		t.Fatal("local_path lost although the digest did not change")
	}

	// A new digest invalidates it.
	changed := logo
	changed.SHA1 = sha1Hex("v2")
	if err := repo.RecordFileChanges(nil, []File{changed}, nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.db.QueryRow(`SELECT local_path FROM files WHERE title = 'Logo.png'`).Scan(&localPath); err != nil {
		t.Fatal(err)
	}
	if localPath != nil {
		t.Errorf("local_path = %q after digest change, want NULL", *localPath)
	}

	// Deletion upstream tombstones the row and hides it from digests.
	if err := repo.RecordFileChanges(nil, nil, []string{"Logo.png"}); err != nil {
		t.Fatal(err)
	}
	digests, err := repo.FileDigests()
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 0 {
		t.Errorf("FileDigests after tombstone = %v, want empty", digests)
	}
}

func TestRunLifecycle(t *testing.T) {
	repo := newTestRepository(t)

	last, err := repo.LastSuccessfulRunEnd()
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Fatalf("LastSuccessfulRunEnd on fresh store = %v, want nil", last)
	}

	runID, err := repo.BeginRun(RunTypeFull)
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := repo.RunStatus(runID); status != RunStatusRunning {
		t.Errorf("status = %q, want running", status)
	}

	// A failed run does not move the incremental high-water mark.
	if err := repo.FailRun(runID, "network went away"); err != nil {
		t.Fatal(err)
	}
	if last, _ := repo.LastSuccessfulRunEnd(); last != nil {
		t.Errorf("failed run counted as successful: %v", last)
	}

	runID, err = repo.BeginRun(RunTypeFull)
	if err != nil {
		t.Fatal(err)
	}
	stats := RunStats{PagesScraped: 10, RevisionsScraped: 42, Errors: []string{"page 3: flaky"}}
	if err := repo.FinishRun(runID, RunStatusCompleted, stats); err != nil {
		t.Fatal(err)
	}
	if status, _ := repo.RunStatus(runID); status != RunStatusCompleted {
		t.Errorf("status = %q, want completed", status)
	}
	last, err = repo.LastSuccessfulRunEnd()
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || time.Since(*last) > time.Minute {
		t.Errorf("LastSuccessfulRunEnd = %v", last)
	}
}

func TestStreamPagesSkipsDeleted(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo,
		Page{PageID: 1, Title: "Alive"},
		Page{PageID: 2, Title: "Doomed"})
	if err := repo.MarkPageDeleted(2); err != nil {
		t.Fatal(err)
	}

	var seen []int64
	err := repo.StreamPages(func(p Page) error {
		seen = append(seen, p.PageID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(seen, []int64{1}) {
		t.Errorf("streamed pages = %v, want [1]", seen)
	}
}

func TestFullTextSearchIndex(t *testing.T) {
	repo := newTestRepository(t)
	mustUpsertPages(t, repo, Page{PageID: 1, Title: "Alpha"})
	if _, err := repo.UpsertRevisions([]Revision{
		{RevisionID: 11, PageID: 1, Timestamp: time.Now(),
			Content: strptr("the quick brown fox")},
		{RevisionID: 12, PageID: 1, Timestamp: time.Now(), Content: nil},
	}); err != nil {
		t.Fatal(err)
	}

	var rowid int64
	err := repo.db.QueryRow(
		`SELECT rowid FROM revisions_fts WHERE revisions_fts MATCH 'quick'`).Scan(&rowid)
	if err != nil {
		t.Fatal(err)
	}
	if rowid != 11 {
		t.Errorf("FTS match rowid = %d, want 11", rowid)
	}
}
