// SPDX-License-Identifier: MIT

package main

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ExtractedLink is one outgoing edge parsed from wikitext, before
// persistence resolves it against stored pages.
type ExtractedLink struct {
	TargetNamespace int
	TargetTitle     string
	Type            string
}

var (
	bracketLinkRe = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|[^\[\]]*)?\]\]`)
	templateRe    = regexp.MustCompile(`\{\{([^{}|]+)(?:\|[^{}]*)?\}\}`)
)

// extractLinks parses the four surface forms out of wikitext:
// [[Target]], [[File:...]], [[Category:...]] and {{Template}}.
// namespaces is the wiki's namespace table in titleKey form. The
// function is pure and total: anything malformed or exotic yields no
// link, never an error.
func extractLinks(wikitext string, namespaces map[string]int) []ExtractedLink {
	if wikitext == "" {
		return nil
	}

	var links []ExtractedLink
	seen := make(map[ExtractedLink]bool)
	add := func(l ExtractedLink) {
		if !seen[l] {
			seen[l] = true
			links = append(links, l)
		}
	}

	for _, m := range bracketLinkRe.FindAllStringSubmatch(wikitext, -1) {
		target := strings.TrimSpace(m[1])
		escaped := strings.HasPrefix(target, ":")
		target = strings.TrimPrefix(target, ":")

		ns, title := splitNamespace(target, namespaces)
		title = normalizeTarget(title)
		if title == "" {
			logger.Debug().Str("target", m[1]).Msg("unusable link target")
			continue
		}

		linkType := LinkTypeWikilink
		if !escaped {
			switch ns {
			case 6:
				linkType = LinkTypeFile
			case 14:
				linkType = LinkTypeCategory
			}
		}
		add(ExtractedLink{TargetNamespace: ns, TargetTitle: title, Type: linkType})
	}

	for _, m := range templateRe.FindAllStringSubmatch(wikitext, -1) {
		target := strings.TrimSpace(m[1])
		// Parser functions and magic words ({{#if:...}}, {{PAGENAME}})
		// are not transclusions we can archive as edges.
		if target == "" || strings.HasPrefix(target, "#") {
			continue
		}

		ns := 10
		if strings.HasPrefix(target, ":") {
			// {{:Foo}} transcludes from the main namespace.
			ns = 0
			target = strings.TrimPrefix(target, ":")
		} else if prefix, rest, found := strings.Cut(target, ":"); found {
			if id, ok := namespaces[titleKey(prefix)]; ok {
				ns = id
				target = rest
			}
		}
		title := normalizeTarget(target)
		if title == "" {
			logger.Debug().Str("target", m[1]).Msg("unusable template target")
			continue
		}
		add(ExtractedLink{TargetNamespace: ns, TargetTitle: title, Type: LinkTypeTemplate})
	}

	return links
}

// splitNamespace resolves an optional namespace prefix against the
// wiki's namespace table. Unknown prefixes stay part of a main
// namespace title, which is what MediaWiki itself does.
func splitNamespace(target string, namespaces map[string]int) (int, string) {
	if prefix, rest, found := strings.Cut(target, ":"); found {
		if id, ok := namespaces[titleKey(prefix)]; ok {
			return id, rest
		}
	}
	return 0, target
}

// normalizeTarget brings a link target into stored wire form: fragment
// stripped, NFC, spaces as underscores, first letter capitalized.
func normalizeTarget(title string) string {
	if i := strings.IndexByte(title, '#'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	title = norm.NFC.String(title)
	title = strings.ReplaceAll(title, " ", "_")
	r, size := utf8.DecodeRuneInString(title)
	if r == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(r)) + title[size:]
}

// toLinks maps extracted links onto repository rows for one source page.
func toLinks(sourcePageID int64, extracted []ExtractedLink) []Link {
	links := make([]Link, 0, len(extracted))
	for _, e := range extracted {
		links = append(links, Link{
			SourcePageID:    sourcePageID,
			TargetNamespace: e.TargetNamespace,
			TargetTitle:     e.TargetTitle,
			Type:            e.Type,
		})
	}
	return links
}
