// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecentChange is one entry from the upstream change feed.
type RecentChange struct {
	RCID      int64
	Type      string // "new", "edit" or "log"
	LogType   string // e.g. "delete", "move"; only for type "log"
	LogAction string
	Namespace int
	Title     string
	PageID    int64
	RevID     int64
	OldRevID  int64
	Timestamp time.Time
	User      string
	UserID    int64
	Comment   string
	OldLen    int64
	NewLen    int64

	// NewTitle is the move target for move log entries, already in
	// wire form.
	NewTitle string
}

// readRecentChanges reads the change feed over [start, end), oldest
// first. namespaces and types narrow the window when non-empty. A
// malformed single entry is logged and skipped; it does not abort the
// window.
func readRecentChanges(ctx context.Context, client *Client, start, end time.Time, namespaces []int, types []string) ([]RecentChange, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("recent changes window start %s is not before end %s",
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}

	if len(types) == 0 {
		types = []string{"new", "edit", "log"}
	}
	params := map[string]string{
		"list":    "recentchanges",
		"rcdir":   "newer",
		"rcstart": start.UTC().Format(time.RFC3339),
		"rcend":   end.UTC().Format(time.RFC3339),
		"rclimit": "500",
		"rctype":  strings.Join(types, "|"),
		"rcprop":  "ids|title|timestamp|user|userid|comment|sizes|loginfo",
	}
	if len(namespaces) > 0 {
		parts := make([]string, len(namespaces))
		for i, ns := range namespaces {
			parts[i] = strconv.Itoa(ns)
		}
		params["rcnamespace"] = strings.Join(parts, "|")
	}

	var changes []RecentChange
	err := paginate(ctx, client, params, []string{"query", "recentchanges"}, nil,
		func(item map[string]any) error {
			rc, err := parseRecentChange(item)
			if err != nil {
				logger.Warn().Err(err).Msg("skipping malformed recent change entry")
				return nil
			}
			changes = append(changes, rc)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func parseRecentChange(item map[string]any) (RecentChange, error) {
	if err := requireFields(item, []string{"type", "pageid", "timestamp"}, "recentchanges"); err != nil {
		return RecentChange{}, err
	}
	changeType, err := getString(item, "type", "recentchanges")
	if err != nil {
		return RecentChange{}, err
	}
	pageID, err := getInt(item, "pageid", "recentchanges")
	if err != nil {
		return RecentChange{}, err
	}
	ts, err := getString(item, "timestamp", "recentchanges")
	if err != nil {
		return RecentChange{}, err
	}
	timestamp, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return RecentChange{}, &APIResponseError{
			Info:    "unparseable timestamp " + ts,
			Context: "recentchanges",
		}
	}

	rc := RecentChange{
		Type:      changeType,
		PageID:    pageID,
		Timestamp: timestamp.UTC(),
	}
	if rcid, ok := optInt(item, "rcid"); ok {
		rc.RCID = rcid
	}
	if ns, ok := optInt(item, "ns"); ok {
		rc.Namespace = int(ns)
	}
	if title, ok := optString(item, "title"); ok {
		rc.Title = wireTitle(title, rc.Namespace)
	}
	if revID, ok := optInt(item, "revid"); ok {
		rc.RevID = revID
	}
	if oldRevID, ok := optInt(item, "old_revid"); ok {
		rc.OldRevID = oldRevID
	}
	if user, ok := optString(item, "user"); ok {
		rc.User = user
	}
	if userID, ok := optInt(item, "userid"); ok {
		rc.UserID = userID
	}
	if comment, ok := optString(item, "comment"); ok {
		rc.Comment = comment
	}
	if oldLen, ok := optInt(item, "oldlen"); ok {
		rc.OldLen = oldLen
	}
	if newLen, ok := optInt(item, "newlen"); ok {
		rc.NewLen = newLen
	}

	if changeType == "log" {
		if logType, ok := optString(item, "logtype"); ok {
			rc.LogType = logType
		}
		if logAction, ok := optString(item, "logaction"); ok {
			rc.LogAction = logAction
		}
		if logParams, ok := item["logparams"].(map[string]any); ok {
			if target, ok := optString(logParams, "target_title"); ok {
				rc.NewTitle = wireTitle(target, int(firstInt(logParams, "target_ns")))
			}
		}
	}
	return rc, nil
}

func firstInt(d map[string]any, name string) int64 {
	v, _ := optInt(d, name)
	return v
}
