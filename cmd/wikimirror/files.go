// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// discoverFiles walks list=allimages sorted by name ascending and
// returns validated metadata for every upload.
func discoverFiles(ctx context.Context, client *Client) ([]File, error) {
	params := map[string]string{
		"list":    "allimages",
		"aisort":  "name",
		"aidir":   "ascending",
		"ailimit": "500",
		"aiprop":  "url|size|sha1|mime|timestamp|user|dimensions",
	}

	var files []File
	err := paginate(ctx, client, params, []string{"query", "allimages"}, nil,
		func(item map[string]any) error {
			f, err := parseFileEntry(item)
			if err != nil {
				return err
			}
			files = append(files, f)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func parseFileEntry(item map[string]any) (File, error) {
	if err := requireFields(item, []string{"name", "url", "sha1", "size"}, "allimages"); err != nil {
		return File{}, err
	}
	name, err := getString(item, "name", "allimages")
	if err != nil {
		return File{}, err
	}
	if name == "" {
		return File{}, &APIResponseError{Info: "empty file name", Context: "allimages"}
	}
	sha, err := getString(item, "sha1", "allimages")
	if err != nil {
		return File{}, err
	}
	if !isSha1Hex(sha) {
		return File{}, &APIResponseError{
			Info:    fmt.Sprintf("file %q has malformed sha1 %q", name, sha),
			Context: "allimages",
		}
	}
	size, err := getInt(item, "size", "allimages")
	if err != nil {
		return File{}, err
	}
	if size < 0 {
		return File{}, &APIResponseError{
			Info:    fmt.Sprintf("file %q has negative size", name),
			Context: "allimages",
		}
	}
	fileURL, err := getString(item, "url", "allimages")
	if err != nil {
		return File{}, err
	}

	f := File{
		Title: wireTitle(name, 0),
		URL:   fileURL,
		SHA1:  sha,
		Size:  size,
	}
	if descURL, ok := optString(item, "descriptionurl"); ok {
		f.DescriptionURL = descURL
	}
	if mime, ok := optString(item, "mime"); ok {
		f.MimeType = mime
	}
	// Deleted uploaders come back empty; non-images have no dimensions.
	if uploader, ok := optString(item, "user"); ok {
		f.Uploader = uploader
	}
	if w, ok := optInt(item, "width"); ok && w > 0 {
		f.Width = &w
	}
	if h, ok := optInt(item, "height"); ok && h > 0 {
		f.Height = &h
	}
	if ts, ok := optString(item, "timestamp"); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			f.UploadedAt = t.UTC()
		}
	}
	return f, nil
}

// classifyFiles splits the upstream enumeration against stored digests
// into new, modified (different sha1) and deleted (gone upstream).
func classifyFiles(upstream []File, stored map[string]string) (newFiles, modified []File, deleted []string) {
	seen := make(map[string]bool, len(upstream))
	for _, f := range upstream {
		seen[f.Title] = true
		storedSha, ok := stored[f.Title]
		switch {
		case !ok:
			newFiles = append(newFiles, f)
		case storedSha != f.SHA1:
			modified = append(modified, f)
		}
	}
	for title := range stored {
		if !seen[title] {
			deleted = append(deleted, title)
		}
	}
	return newFiles, modified, deleted
}

// localFilePath is the deterministic download target below dataDir:
// files/<first-uppercase-letter>/<title>.
func localFilePath(dataDir, title string) string {
	shard := "_"
	for _, r := range title {
		if u := unicode.ToUpper(r); unicode.IsLetter(u) || unicode.IsDigit(u) {
			shard = string(u)
		}
		break
	}
	safe := strings.ReplaceAll(title, "/", "_")
	return filepath.Join(dataDir, "files", shard, safe)
}

// downloadFile streams a file's bytes to disk, verifying the SHA-1
// digest on the way. An existing target with the right digest is
// returned without network I/O. Mismatched downloads are discarded
// whole; partial files are never resumed.
func downloadFile(ctx context.Context, httpClient *http.Client, limiter *RateLimiter, userAgent, dataDir string, f File) (string, error) {
	target := localFilePath(dataDir, f.Title)
	if digest, err := fileSha1(target); err == nil && digest == f.SHA1 {
		return target, nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", &DownloadError{Title: f.Title, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &DownloadError{Title: f.Title, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{Title: f.Title, Err: fmt.Errorf("HTTP status %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", &DownloadError{Title: f.Title, Err: err}
	}
	tmpPath := target + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", &DownloadError{Title: f.Title, Err: err}
	}

	h := sha1.New()
	_, err = io.Copy(io.MultiWriter(tmpFile, h), resp.Body)
	if cerr := tmpFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", &DownloadError{Title: f.Title, Err: err}
	}

	digest := fmt.Sprintf("%x", h.Sum(nil))
	if digest != f.SHA1 {
		os.Remove(tmpPath)
		return "", &DownloadError{
			Title: f.Title,
			Err:   fmt.Errorf("digest mismatch: got %s, want %s", digest, f.SHA1),
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", &DownloadError{Title: f.Title, Err: err}
	}
	return target, nil
}
