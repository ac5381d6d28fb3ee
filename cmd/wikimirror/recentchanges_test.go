// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"testing"
	"time"
)

func rcNew(pageID int64, title, ts string) map[string]any {
	return map[string]any{
		"type": "new", "ns": 0, "title": title, "pageid": pageID,
		"revid": pageID * 10, "old_revid": 0, "rcid": pageID,
		"timestamp": ts, "user": "Ann", "userid": 1, "comment": "created",
		"oldlen": 0, "newlen": 42,
	}
}

func rcEdit(pageID int64, title, ts string) map[string]any {
	return map[string]any{
		"type": "edit", "ns": 0, "title": title, "pageid": pageID,
		"revid": pageID*10 + 1, "old_revid": pageID * 10, "rcid": pageID + 1000,
		"timestamp": ts, "user": "Bob", "userid": 2, "comment": "edited",
		"oldlen": 42, "newlen": 77,
	}
}

func rcLog(pageID int64, title, ts, logType, logAction string, params map[string]any) map[string]any {
	entry := map[string]any{
		"type": "log", "ns": 0, "title": title, "pageid": pageID,
		"timestamp": ts, "user": "Admin", "userid": 3, "comment": "",
		"logtype": logType, "logaction": logAction,
	}
	if params != nil {
		entry["logparams"] = params
	}
	return entry
}

func TestReadRecentChanges(t *testing.T) {
	w := newFakeWiki()
	w.recent = []map[string]any{
		rcNew(7, "Fresh page", "2024-03-01T10:00:00Z"),
		rcEdit(3, "Old page", "2024-03-01T11:00:00Z"),
		rcLog(5, "Doomed", "2024-03-01T12:00:00Z", "delete", "delete", nil),
		rcLog(4, "Old title", "2024-03-01T13:00:00Z", "move", "move", map[string]any{
			"target_ns": 0, "target_title": "New title",
		}),
	}
	c := newTestClient(w)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	changes, err := readRecentChanges(context.Background(), c, start, end, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 4 {
		t.Fatalf("got %d changes, want 4", len(changes))
	}
	if changes[0].Type != "new" || changes[0].PageID != 7 || changes[0].Title != "Fresh_page" {
		t.Errorf("first change = %+v", changes[0])
	}
	if changes[1].NewLen != 77 {
		t.Errorf("edit newlen = %d, want 77", changes[1].NewLen)
	}
	move := changes[3]
	if move.LogType != "move" || move.NewTitle != "New_title" {
		t.Errorf("move entry = %+v", move)
	}
}

func TestReadRecentChangesRejectsEmptyWindow(t *testing.T) {
	c := newTestClient(newFakeWiki())
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := readRecentChanges(context.Background(), c, at, at, nil, nil); err == nil {
		t.Error("start == end accepted")
	}
	if _, err := readRecentChanges(context.Background(), c, at.Add(time.Hour), at, nil, nil); err == nil {
		t.Error("start after end accepted")
	}
}

func TestReadRecentChangesSkipsMalformedEntries(t *testing.T) {
	w := newFakeWiki()
	w.recent = []map[string]any{
		rcNew(7, "Good", "2024-03-01T10:00:00Z"),
		{"type": "edit", "pageid": 8}, // no timestamp
		{"type": "edit", "pageid": 9, "timestamp": "yesterday-ish"},
		rcEdit(3, "Also good", "2024-03-01T11:00:00Z"),
	}
	c := newTestClient(w)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	changes, err := readRecentChanges(context.Background(), c, start, start.Add(24*time.Hour), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Errorf("got %d changes, want 2 with malformed ones skipped", len(changes))
	}
}

func TestParseRecentChangeDeleteLog(t *testing.T) {
	rc, err := parseRecentChange(rcLog(5, "Doomed", "2024-03-01T12:00:00Z", "delete", "delete", nil))
	if err != nil {
		t.Fatal(err)
	}
	if rc.Type != "log" || rc.LogType != "delete" || rc.LogAction != "delete" {
		t.Errorf("parsed = %+v", rc)
	}
}
