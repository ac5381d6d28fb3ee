// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"strconv"
)

// discoverPages enumerates every page in one namespace, in upstream
// order, via list=allpages.
func discoverPages(ctx context.Context, client *Client, namespace int) ([]Page, error) {
	params := map[string]string{
		"list":        "allpages",
		"apnamespace": strconv.Itoa(namespace),
		"aplimit":     "500",
	}

	var pages []Page
	err := paginate(ctx, client, params, []string{"query", "allpages"},
		func(batchIndex, batchSize int) {
			logger.Debug().Int("namespace", namespace).Int("batch", batchIndex).
				Int("size", batchSize).Msg("page discovery batch")
		},
		func(item map[string]any) error {
			page, err := parsePageEntry(item)
			if err != nil {
				return err
			}
			pages = append(pages, page)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return pages, nil
}

// discoverAllPages runs discovery across namespaces, keyed by
// namespace so callers can commit one batch per namespace.
func discoverAllPages(ctx context.Context, client *Client, namespaces []int) (map[int][]Page, error) {
	byNamespace := make(map[int][]Page, len(namespaces))
	for _, ns := range namespaces {
		pages, err := discoverPages(ctx, client, ns)
		if err != nil {
			return byNamespace, err
		}
		byNamespace[ns] = pages
	}
	return byNamespace, nil
}

func parsePageEntry(item map[string]any) (Page, error) {
	if err := requireFields(item, []string{"pageid", "ns", "title"}, "allpages"); err != nil {
		return Page{}, err
	}
	pageID, err := getInt(item, "pageid", "allpages")
	if err != nil {
		return Page{}, err
	}
	ns, err := getInt(item, "ns", "allpages")
	if err != nil {
		return Page{}, err
	}
	title, err := getString(item, "title", "allpages")
	if err != nil {
		return Page{}, err
	}
	return Page{
		PageID:     pageID,
		Namespace:  int(ns),
		Title:      wireTitle(title, int(ns)),
		IsRedirect: optBool(item, "redirect"),
	}, nil
}
