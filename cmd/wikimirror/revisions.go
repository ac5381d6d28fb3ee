// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"strconv"
	"time"
)

// fetchRevisions retrieves a page's revisions oldest-first, optionally
// only those after a known high-water mark. The page's current
// identity rides along in the same response envelope and is returned
// too; it is nil when the page has vanished upstream.
func fetchRevisions(ctx context.Context, client *Client, pageID int64, startAfterID int64) (*Page, []Revision, error) {
	params := map[string]string{
		"prop":    "revisions",
		"pageids": strconv.FormatInt(pageID, 10),
		"rvprop":  "ids|timestamp|user|userid|comment|size|sha1|tags|content",
		"rvslots": "main",
		"rvdir":   "newer",
		"rvlimit": "500",
	}
	if startAfterID > 0 {
		params["rvstartid"] = strconv.FormatInt(startAfterID+1, 10)
	}

	var page *Page
	var revs []Revision
	err := paginate(ctx, client, params, []string{"query", "pages"}, nil,
		func(item map[string]any) error {
			if optBool(item, "missing") {
				return nil
			}
			if page == nil {
				p, err := parsePageEntry(item)
				if err != nil {
					return err
				}
				page = &p
			}
			list, ok := item["revisions"].([]any)
			if !ok {
				return nil // batch may carry only continuation bookkeeping
			}
			for _, v := range list {
				entry, ok := v.(map[string]any)
				if !ok {
					return &APIResponseError{Info: "revision is not an object", Context: "revisions"}
				}
				rev, err := parseRevision(entry, pageID)
				if err != nil {
					return err
				}
				revs = append(revs, rev)
			}
			return nil
		})
	if err != nil {
		return nil, nil, err
	}
	return page, revs, nil
}

func parseRevision(entry map[string]any, pageID int64) (Revision, error) {
	if err := requireFields(entry, []string{"revid", "timestamp"}, "revisions"); err != nil {
		return Revision{}, err
	}
	revID, err := getInt(entry, "revid", "revisions")
	if err != nil {
		return Revision{}, err
	}
	ts, err := getString(entry, "timestamp", "revisions")
	if err != nil {
		return Revision{}, err
	}
	timestamp, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Revision{}, &APIResponseError{
			Info:    "unparseable revision timestamp " + ts,
			Context: "revisions",
		}
	}

	rev := Revision{
		RevisionID: revID,
		PageID:     pageID,
		Timestamp:  timestamp.UTC(),
	}
	if parent, ok := optInt(entry, "parentid"); ok {
		rev.ParentID = parent
	}
	if user, ok := optString(entry, "user"); ok {
		rev.User = user
	}
	if userID, ok := optInt(entry, "userid"); ok {
		rev.UserID = userID
	}
	if comment, ok := optString(entry, "comment"); ok {
		rev.Comment = comment
	}
	if size, ok := optInt(entry, "size"); ok {
		rev.Size = size
	}
	if sha1, ok := optString(entry, "sha1"); ok {
		rev.SHA1 = sha1
	}
	if tags, ok := entry["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				rev.Tags = append(rev.Tags, s)
			}
		}
	}

	// Suppressed revisions carry texthidden and no content; they are
	// stored with a nil body rather than failing the page.
	if slots, ok := entry["slots"].(map[string]any); ok {
		if main, ok := slots["main"].(map[string]any); ok {
			if content, ok := optString(main, "content"); ok {
				rev.Content = &content
			}
		}
	}
	return rev, nil
}

// tipContent returns the newest fetched revision's wikitext, or nil if
// there is none (empty fetch, or a suppressed tip).
func tipContent(revs []Revision) *string {
	var tip *Revision
	for i := range revs {
		if tip == nil || revs[i].RevisionID > tip.RevisionID {
			tip = &revs[i]
		}
	}
	if tip == nil {
		return nil
	}
	return tip.Content
}
