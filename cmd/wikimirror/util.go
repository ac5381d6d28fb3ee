// SPDX-License-Identifier: MIT

package main

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// wireTitle converts a display title as returned by the API into the
// wire form we store: NFC-normalized, spaces as underscores, namespace
// prefix stripped for non-main namespaces.
func wireTitle(title string, namespace int) string {
	if namespace != 0 {
		if _, rest, found := strings.Cut(title, ":"); found {
			title = rest
		}
	}
	title = norm.NFC.String(title)
	return strings.ReplaceAll(title, " ", "_")
}

// titleKey canonicalizes a link target for namespace resolution:
// underscores as spaces, trimmed, lower-cased. The namespace table from
// siteinfo is keyed the same way.
func titleKey(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// fileSha1 computes the hex SHA-1 digest of a file on disk.
func fileSha1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// isSha1Hex reports whether s is a 40-character lowercase hex digest.
func isSha1Hex(s string) bool {
	if len(s) != 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
