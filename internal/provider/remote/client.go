// Package remote implements crawler.Provider against an HTTP crawl sidecar
// that owns the site-specific scraping and media download.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// CookieHeader carries the task's session cookie to the sidecar.
const CookieHeader = "X-Crawl-Cookie"

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultPageSize    = 20
	maxErrorBody       = 512

	logSource       = "provider"
	logLevelWarning = "warning"
	logLevelError   = "error"
)

var unsafePathChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]+`)

// Config describes the sidecar endpoint.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	HTTPClient  *http.Client
}

// Client talks to the sidecar's JSON API.
type Client struct {
	base   *url.URL
	http   *http.Client
	retry  retryPolicy
	logger *zap.Logger
}

// New validates cfg and constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("provider.base_url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse provider base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("provider base url must be http(s), got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		http:   client,
		retry:  retryPolicy{maxAttempts: cfg.MaxAttempts, baseDelay: cfg.BaseDelay, maxDelay: cfg.MaxDelay},
		logger: logger,
	}, nil
}

type resolveRequest struct {
	URLs []string `json:"urls"`
}

type resolveResponse struct {
	Identities []string `json:"identities"`
}

// ResolveIdentities implements crawler.Provider.
func (c *Client) ResolveIdentities(ctx context.Context, urls []string) ([]string, error) {
	var resp resolveResponse
	if err := c.do(ctx, http.MethodPost, "/v1/resolve", nil, resolveRequest{URLs: urls}, &resp); err != nil {
		return nil, fmt.Errorf("resolve identities: %w", err)
	}
	return resp.Identities, nil
}

type profileResponse struct {
	Nickname string `json:"nickname"`
}

// FetchProfile implements crawler.Provider.
func (c *Client) FetchProfile(ctx context.Context, identity string) (crawler.Profile, error) {
	var resp profileResponse
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(identity), nil, nil, &resp); err != nil {
		return crawler.Profile{}, fmt.Errorf("fetch profile %s: %w", identity, err)
	}
	return crawler.Profile{Nickname: resp.Nickname}, nil
}

// StreamContent implements crawler.Provider. Pages are fetched lazily.
func (c *Client) StreamContent(_ context.Context, identity string, params crawler.PageParams) (crawler.ContentStream, error) {
	size := params.PageCounts
	if size <= 0 {
		size = defaultPageSize
	}
	return &pageStream{client: c, identity: identity, size: size, limit: params.MaxCounts}, nil
}

type downloadRequest struct {
	Items       []crawler.ContentItem `json:"items"`
	Destination string                `json:"destination"`
}

// Download implements crawler.Provider.
func (c *Client) Download(ctx context.Context, items []crawler.ContentItem, destination string) error {
	if len(items) == 0 {
		return nil
	}
	if err := c.do(ctx, http.MethodPost, "/v1/download", nil, downloadRequest{Items: items, Destination: destination}, nil); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	return nil
}

// TargetDir implements crawler.Provider: one folder per nickname, falling
// back to the identity.
func (c *Client) TargetDir(root, identity string, profile crawler.Profile) string {
	name := sanitizeName(profile.Nickname)
	if name == "" {
		name = sanitizeName(identity)
	}
	return filepath.Join(root, name)
}

func sanitizeName(raw string) string {
	name := strings.TrimSpace(unsafePathChars.ReplaceAllString(raw, "_"))
	name = strings.Trim(name, ". ")
	return name
}

type pageResponse struct {
	Items   []crawler.ContentItem `json:"items"`
	Cursor  string                `json:"cursor"`
	HasMore bool                  `json:"has_more"`
}

// pageStream walks the sidecar's cursor pagination, capping the total at
// limit items when limit > 0.
type pageStream struct {
	client   *Client
	identity string
	size     int
	limit    int
	cursor   string
	yielded  int
	done     bool
}

func (s *pageStream) Next(ctx context.Context) ([]crawler.ContentItem, error) {
	if s.done || (s.limit > 0 && s.yielded >= s.limit) {
		return nil, io.EOF
	}
	query := url.Values{}
	query.Set("count", strconv.Itoa(s.size))
	if s.cursor != "" {
		query.Set("cursor", s.cursor)
	}
	var resp pageResponse
	path := "/v1/users/" + url.PathEscape(s.identity) + "/posts"
	if err := s.client.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch posts page: %w", err)
	}
	items := resp.Items
	if s.limit > 0 && s.yielded+len(items) > s.limit {
		items = items[:s.limit-s.yielded]
	}
	s.yielded += len(items)
	s.cursor = resp.Cursor
	if !resp.HasMore || resp.Cursor == "" {
		s.done = true
	}
	if len(items) == 0 && s.done {
		return nil, io.EOF
	}
	return items, nil
}

func (s *pageStream) Close() error {
	s.done = true
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	endpoint := *c.base
	endpoint.Path = c.base.Path + path
	endpoint.RawPath = ""
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	for attempt := 1; ; attempt++ {
		err := c.once(ctx, method, endpoint.String(), payload, out)
		if !c.retry.shouldRetry(err, attempt) {
			if err != nil && ctx.Err() == nil {
				crawler.EmitLog(ctx, logLevelError, logSource,
					fmt.Sprintf("%s %s failed after %d attempt(s): %v", method, path, attempt, err))
			}
			return err
		}
		wait := c.retry.backoff(attempt)
		crawler.EmitLog(ctx, logLevelWarning, logSource,
			fmt.Sprintf("%s %s failed (attempt %d/%d), retrying in %s: %v", method, path, attempt, c.retry.maxAttempts, wait.Round(time.Millisecond), err))
		c.logger.Debug("retrying provider call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := crawler.CredentialFrom(ctx); cookie != "" {
		req.Header.Set(CookieHeader, cookie)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", crawler.ErrNotFound, serr)
		}
		return serr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
