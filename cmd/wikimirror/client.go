// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
)

// testedVersions are the MediaWiki major.minor releases this scraper has
// been run against. Anything else gets a warning, not a refusal.
var testedVersions = []string{"1.35", "1.39", "1.40", "1.41", "1.42", "1.43"}

// Client is the single typed entry point to the wiki's query API. It
// owns retries, rate limiting, server version detection, and the
// process-wide record of API warnings seen so far.
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *RateLimiter
	userAgent  string
	maxRetries int

	mu            sync.Mutex
	probed        bool
	serverVersion string
	namespaces    map[string]int // titleKey(name) -> namespace id
	warningsSeen  map[string]int
	requestCount  int64
}

func NewClient(cfg *Config, limiter *RateLimiter) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = cfg.timeout()
	return &Client{
		endpoint:     cfg.apiEndpoint(),
		httpClient:   httpClient,
		limiter:      limiter,
		userAgent:    cfg.Scraper.UserAgent,
		maxRetries:   cfg.Scraper.MaxRetries,
		namespaces:   builtinNamespaces(),
		warningsSeen: make(map[string]int),
	}
}

// Query performs one action=query call. The fixed action/format knobs
// are injected here; params carries everything else. On the first call
// of the process a siteinfo probe records the server version and the
// namespace table.
func (c *Client) Query(ctx context.Context, params map[string]string) (map[string]any, error) {
	if err := c.ensureProbed(ctx); err != nil {
		return nil, err
	}
	return c.do(ctx, params)
}

// ServerVersion returns the upstream generator string, e.g.
// "MediaWiki 1.41.1". Empty before the first successful call.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// Namespaces returns the wiki's namespace table, keyed by canonical and
// localized names (and aliases) in titleKey form.
func (c *Client) Namespaces() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.namespaces))
	for k, v := range c.namespaces {
		out[k] = v
	}
	return out
}

// WarningCounts returns how often each unique API warning has occurred.
func (c *Client) WarningCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.warningsSeen))
	for k, v := range c.warningsSeen {
		out[k] = v
	}
	return out
}

// RequestCount returns the number of HTTP round-trips issued so far.
func (c *Client) RequestCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestCount
}

func (c *Client) ensureProbed(ctx context.Context) error {
	c.mu.Lock()
	probed := c.probed
	c.mu.Unlock()
	if probed {
		return nil
	}

	resp, err := c.do(ctx, map[string]string{
		"meta":   "siteinfo",
		"siprop": "general|namespaces|namespacealiases",
	})
	if err != nil {
		return fmt.Errorf("siteinfo probe: %w", err)
	}

	query, err := getMap(resp, "query", "siteinfo")
	if err != nil {
		return err
	}
	general, err := getMap(query, "general", "siteinfo")
	if err != nil {
		return err
	}
	generator, err := getString(general, "generator", "siteinfo.general")
	if err != nil {
		return err
	}

	namespaces := builtinNamespaces()
	if nsTable, ok := query["namespaces"].(map[string]any); ok {
		for _, v := range nsTable {
			ns, ok := v.(map[string]any)
			if !ok {
				continue
			}
			id, err := getInt(ns, "id", "siteinfo.namespaces")
			if err != nil {
				continue
			}
			for _, key := range []string{"name", "canonical"} {
				if name, ok := optString(ns, key); ok && name != "" {
					namespaces[titleKey(name)] = int(id)
				}
			}
		}
	}
	if aliases, ok := query["namespacealiases"].([]any); ok {
		for _, v := range aliases {
			alias, ok := v.(map[string]any)
			if !ok {
				continue
			}
			id, err := getInt(alias, "id", "siteinfo.namespacealiases")
			if err != nil {
				continue
			}
			if name, ok := optString(alias, "alias"); ok && name != "" {
				namespaces[titleKey(name)] = int(id)
			}
		}
	}

	c.mu.Lock()
	c.probed = true
	c.serverVersion = generator
	c.namespaces = namespaces
	c.mu.Unlock()

	version := strings.TrimPrefix(generator, "MediaWiki ")
	if parts := strings.SplitN(version, ".", 3); len(parts) >= 2 {
		version = parts[0] + "." + parts[1]
	}
	tested := false
	for _, v := range testedVersions {
		if v == version {
			tested = true
			break
		}
	}
	if tested {
		logger.Info().Str("version", generator).Msg("connected to wiki")
	} else {
		logger.Warn().Str("version", generator).
			Msg("untested MediaWiki version; proceeding anyway")
	}
	return nil
}

func (c *Client) do(ctx context.Context, params map[string]string) (map[string]any, error) {
	values := url.Values{}
	values.Set("action", "query")
	values.Set("format", "json")
	values.Set("formatversion", "2")
	for k, v := range params {
		values.Set(k, v)
	}
	requestURL := c.endpoint + "?" + values.Encode()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.roundTrip(ctx, requestURL)
		if err == nil {
			return c.decode(body)
		}
		var transient *transientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		lastErr = transient.err
		if attempt >= c.maxRetries {
			return nil, &APIRequestError{Attempts: attempt + 1, Err: lastErr}
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt+1).
			Msg("transient API failure, backing off")
		metricAPIRetries.Inc()
		if err := c.limiter.Backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// transientError wraps failures worth retrying: 429, 5xx, timeouts and
// dropped connections.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (c *Client) roundTrip(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()
	metricAPIRequests.Inc()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &PageNotFoundError{URL: requestURL}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &transientError{err: fmt.Errorf("HTTP status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &APIResponseError{
			Info:    fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode),
			Context: "transport",
		}
	}

	return io.ReadAll(resp.Body)
}

func (c *Client) decode(body []byte) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIResponseError{Info: "response is not JSON", Context: "transport"}
	}

	if errObj, ok := resp["error"].(map[string]any); ok {
		code, _ := optString(errObj, "code")
		info, _ := optString(errObj, "info")
		return nil, &APIResponseError{Code: code, Info: info}
	}

	if warnings, ok := resp["warnings"].(map[string]any); ok {
		c.logWarnings(warnings)
	}
	return resp, nil
}

// logWarnings records each unique (module, first-100-chars) warning.
// The first occurrence logs at WARN, repeats at DEBUG.
func (c *Client) logWarnings(warnings map[string]any) {
	for module, v := range warnings {
		content, ok := v.(map[string]any)
		if !ok {
			continue
		}
		var text string
		if s, ok := optString(content, "warnings"); ok {
			text = s
		} else if s, ok := optString(content, "*"); ok {
			text = s
		}
		snippet := text
		if len(snippet) > 100 {
			snippet = snippet[:100]
		}
		key := module + ": " + snippet

		c.mu.Lock()
		c.warningsSeen[key]++
		count := c.warningsSeen[key]
		c.mu.Unlock()

		if count == 1 {
			logger.Warn().Str("module", module).Str("warning", text).Msg("API warning")
		} else {
			logger.Debug().Str("module", module).Str("warning", text).Msg("API warning (repeated)")
		}
	}
}

// builtinNamespaces is the standard MediaWiki namespace table, used as
// a fallback until (or in case) siteinfo does not deliver one.
func builtinNamespaces() map[string]int {
	return map[string]int{
		"talk":           1,
		"user":           2,
		"user talk":      3,
		"project":        4,
		"project talk":   5,
		"file":           6,
		"image":          6,
		"file talk":      7,
		"mediawiki":      8,
		"mediawiki talk": 9,
		"template":       10,
		"template talk":  11,
		"help":           12,
		"help talk":      13,
		"category":       14,
		"category talk":  15,
	}
}

// The helpers below are the only sanctioned way to read fields out of
// upstream JSON. Direct map indexing in the scrapers is a bug.

func requireFields(d map[string]any, fields []string, context string) error {
	for _, f := range fields {
		if _, ok := d[f]; !ok {
			return &APIResponseError{
				Info:    fmt.Sprintf("missing field %q", f),
				Context: context,
			}
		}
	}
	return nil
}

func getMap(d map[string]any, name, context string) (map[string]any, error) {
	v, ok := d[name]
	if !ok {
		return nil, &APIResponseError{Info: fmt.Sprintf("missing field %q", name), Context: context}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &APIResponseError{Info: fmt.Sprintf("field %q is not an object", name), Context: context}
	}
	return m, nil
}

func getList(d map[string]any, name, context string) ([]any, error) {
	v, ok := d[name]
	if !ok {
		return nil, &APIResponseError{Info: fmt.Sprintf("missing field %q", name), Context: context}
	}
	l, ok := v.([]any)
	if !ok {
		return nil, &APIResponseError{Info: fmt.Sprintf("field %q is not a list", name), Context: context}
	}
	return l, nil
}

func getString(d map[string]any, name, context string) (string, error) {
	v, ok := d[name]
	if !ok {
		return "", &APIResponseError{Info: fmt.Sprintf("missing field %q", name), Context: context}
	}
	s, ok := v.(string)
	if !ok {
		return "", &APIResponseError{Info: fmt.Sprintf("field %q is not a string", name), Context: context}
	}
	return s, nil
}

func getInt(d map[string]any, name, context string) (int64, error) {
	v, ok := d[name]
	if !ok {
		return 0, &APIResponseError{Info: fmt.Sprintf("missing field %q", name), Context: context}
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err == nil {
			return i, nil
		}
	}
	return 0, &APIResponseError{Info: fmt.Sprintf("field %q is not an integer", name), Context: context}
}

func optString(d map[string]any, name string) (string, bool) {
	s, ok := d[name].(string)
	return s, ok
}

func optInt(d map[string]any, name string) (int64, bool) {
	switch n := d[name].(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func optBool(d map[string]any, name string) bool {
	b, ok := d[name].(bool)
	return ok && b
}
