// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCheckpointStore(t *testing.T) *CheckpointStore {
	t.Helper()
	return NewCheckpointStore(filepath.Join(t.TempDir(), "checkpoint.json"))
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := testCheckpointStore(t)
	params := CheckpointParams{RunType: RunTypeFull, BaseURL: "http://wiki.test", Namespaces: []int{0, 1}}
	cp := newCheckpoint(params)
	cp.Phase = PhaseScrapingPages
	cp.AddNamespace(0)
	cp.CompletedNewPages = []int64{1, 2, 3}
	cp.CompletedFiles = []string{"Logo.png"}
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}

	loaded := store.Load()
	if loaded == nil {
		t.Fatal("Load returned nil after Save")
	}
	if !loaded.Parameters.Equal(params) {
		t.Errorf("parameters = %+v, want %+v", loaded.Parameters, params)
	}
	if loaded.Phase != PhaseScrapingPages {
		t.Errorf("phase = %q, want %q", loaded.Phase, PhaseScrapingPages)
	}
	if len(loaded.CompletedNewPages) != 3 || loaded.CompletedNewPages[2] != 3 {
		t.Errorf("completed pages = %v", loaded.CompletedNewPages)
	}
	if !loaded.HasNamespace(0) || loaded.HasNamespace(1) {
		t.Errorf("namespaces completed = %v", loaded.NamespacesCompleted)
	}
	if loaded.LastUpdate.IsZero() {
		t.Error("LastUpdate not set by Save")
	}
}

func TestCheckpointLoadMissing(t *testing.T) {
	if cp := testCheckpointStore(t).Load(); cp != nil {
		t.Errorf("Load of missing checkpoint = %+v, want nil", cp)
	}
}

func TestCheckpointLoadCorrupt(t *testing.T) {
	store := testCheckpointStore(t)
	if err := os.WriteFile(store.path, []byte(`{"version": "1.0", "phase":`), 0o644); err != nil {
		t.Fatal(err)
	}
	if cp := store.Load(); cp != nil {
		t.Errorf("Load of truncated checkpoint = %+v, want nil", cp)
	}
}

func TestCheckpointLoadUnknownVersion(t *testing.T) {
	store := testCheckpointStore(t)
	cp := newCheckpoint(CheckpointParams{RunType: RunTypeFull, BaseURL: "http://wiki.test"})
	cp.Version = "9.7"
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}
	if got := store.Load(); got != nil {
		t.Errorf("Load of version 9.7 checkpoint = %+v, want nil", got)
	}
}

func TestCheckpointSaveLeavesNoTempFile(t *testing.T) {
	store := testCheckpointStore(t)
	cp := newCheckpoint(CheckpointParams{RunType: RunTypeFull, BaseURL: "http://wiki.test"})
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(store.path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file still present after Save: %v", err)
	}
}

func TestCheckpointClear(t *testing.T) {
	store := testCheckpointStore(t)
	if err := store.Clear(); err != nil {
		t.Errorf("Clear with no checkpoint: %v", err)
	}
	if err := store.Save(newCheckpoint(CheckpointParams{RunType: RunTypeFull})); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(); err != nil {
		t.Fatal(err)
	}
	if cp := store.Load(); cp != nil {
		t.Error("checkpoint still loads after Clear")
	}
}

func TestCheckpointParamsEqual(t *testing.T) {
	a := CheckpointParams{RunType: RunTypeFull, BaseURL: "http://wiki.test", Namespaces: []int{0, 1}}
	if !a.Equal(a) {
		t.Error("params not equal to themselves")
	}
	for _, other := range []CheckpointParams{
		{RunType: RunTypeIncremental, BaseURL: "http://wiki.test", Namespaces: []int{0, 1}},
		{RunType: RunTypeFull, BaseURL: "http://other.test", Namespaces: []int{0, 1}},
		{RunType: RunTypeFull, BaseURL: "http://wiki.test", Namespaces: []int{0}},
	} {
		if a.Equal(other) {
			t.Errorf("params %+v compare equal to %+v", a, other)
		}
	}

	// Incremental params are only equal over the same detection window.
	inc := CheckpointParams{
		RunType:     RunTypeIncremental,
		BaseURL:     "http://wiki.test",
		WindowStart: mustParseTime(t, "2024-06-01T00:00:00Z"),
		WindowEnd:   mustParseTime(t, "2024-06-02T00:00:00Z"),
	}
	if !inc.Equal(inc) {
		t.Error("windowed params not equal to themselves")
	}
	shiftedEnd := inc
	shiftedEnd.WindowEnd = inc.WindowEnd.Add(time.Hour)
	if inc.Equal(shiftedEnd) {
		t.Error("params with different window ends compare equal")
	}
	shiftedStart := inc
	shiftedStart.WindowStart = inc.WindowStart.Add(time.Hour)
	if inc.Equal(shiftedStart) {
		t.Error("params with different window starts compare equal")
	}
}
