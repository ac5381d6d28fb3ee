// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"strconv"
)

// paginate drives a query across continuation tokens. resultPath
// navigates the response envelope to the item list, e.g.
// ["query", "allpages"]; when a path step lands on a list with path
// left over, navigation continues into its first element (the shape
// prop=revisions responses have). fn is called once per item; onBatch,
// when non-nil, once per HTTP round-trip. Panics from onBatch are
// logged and swallowed, it is a progress hook, not part of the
// pipeline.
func paginate(
	ctx context.Context,
	client *Client,
	params map[string]string,
	resultPath []string,
	onBatch func(batchIndex, batchSize int),
	fn func(item map[string]any) error,
) error {
	current := make(map[string]string, len(params)+4)
	for k, v := range params {
		current[k] = v
	}

	for batchIndex := 0; ; batchIndex++ {
		resp, err := client.Query(ctx, current)
		if err != nil {
			return err
		}

		items, err := navigate(resp, resultPath)
		if err != nil {
			return err
		}

		fireBatchCallback(onBatch, batchIndex, len(items))

		for _, v := range items {
			item, ok := v.(map[string]any)
			if !ok {
				return &APIResponseError{
					Info:    "list item is not an object",
					Context: pathString(resultPath),
				}
			}
			if err := fn(item); err != nil {
				return err
			}
		}

		cont, present := resp["continue"]
		if !present {
			return nil
		}
		contMap, ok := cont.(map[string]any)
		if !ok {
			return &APIResponseError{Info: "continue is not an object", Context: "continue"}
		}
		for k, v := range contMap {
			current[k] = continuationValue(v)
		}
	}
}

// navigate walks resultPath through the response. Steps apply to
// objects by key; a list encountered mid-path delegates to its first
// element.
func navigate(resp map[string]any, resultPath []string) ([]any, error) {
	var current any = resp
	for i, step := range resultPath {
		if list, ok := current.([]any); ok {
			if len(list) == 0 {
				return nil, nil // e.g. query.pages empty for a vanished page
			}
			current = list[0]
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, &APIResponseError{
				Info:    fmt.Sprintf("step %q does not navigate an object", step),
				Context: pathString(resultPath),
			}
		}
		v, found := m[step]
		if !found {
			if i == len(resultPath)-1 {
				return nil, nil // empty result set omits the list entirely
			}
			return nil, &APIResponseError{
				Info:    fmt.Sprintf("missing field %q", step),
				Context: pathString(resultPath),
			}
		}
		current = v
	}

	list, ok := current.([]any)
	if !ok {
		return nil, &APIResponseError{
			Info:    "result path does not end in a list",
			Context: pathString(resultPath),
		}
	}
	return list, nil
}

func fireBatchCallback(onBatch func(int, int), batchIndex, batchSize int) {
	if onBatch == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("batch callback panicked")
		}
	}()
	onBatch(batchIndex, batchSize)
}

// continuationValue renders a continue token member back into a request
// parameter. Tokens are usually strings but counts come back numeric.
func continuationValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func pathString(path []string) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}
