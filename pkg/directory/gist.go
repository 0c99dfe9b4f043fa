/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/version"
)

const (
	// DefaultBaseURL is the GitHub API endpoint.
	DefaultBaseURL = "https://api.github.com"
	// DefaultPerPage is the page size used when listing gists.
	DefaultPerPage = 30
	// DefaultRequestsPerSecond keeps well under the authenticated limit.
	DefaultRequestsPerSecond = 1.0
	// DefaultTimeout is the per request timeout.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxRetries is the number of retries for a failed request.
	DefaultMaxRetries = 3

	maxListPages    = 100
	maxResponseSize = 10 << 20
)

// GistOptions are options for the gist directory client.
type GistOptions struct {
	// BaseURL is the API endpoint.
	BaseURL string
	// Token is the access token used for every request.
	Token string
	// Owner is the member name recorded in record descriptions.
	Owner string
	// RecordID is the ID of an existing record to update.
	RecordID string
	// Public creates records as public gists.
	Public bool
	// ListPublic lists the public gist feed instead of the gists visible
	// to the token.
	ListPublic bool
	// Filename is the file holding the announcement.
	Filename string
	// PerPage is the page size when listing.
	PerPage int
	// RequestsPerSecond limits the request rate. Zero or less disables
	// limiting.
	RequestsPerSecond float64
	// Timeout is the per request timeout.
	Timeout time.Duration
	// MaxRetries is how many times a failed request is retried.
	MaxRetries int
	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration
	// OnRecordID is called whenever the client learns a new record ID.
	OnRecordID func(id string)
}

// NewGistOptions returns options with defaults set.
func NewGistOptions() GistOptions {
	return GistOptions{
		BaseURL:           DefaultBaseURL,
		Filename:          DefaultFilename,
		PerPage:           DefaultPerPage,
		RequestsPerSecond: DefaultRequestsPerSecond,
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		RetryInterval:     500 * time.Millisecond,
	}
}

// GistClient is a Directory backed by GitHub gists. Each member owns one
// gist whose description carries the group and owner markers.
type GistClient struct {
	opts     GistOptions
	http     *http.Client
	limiter  *rate.Limiter
	mu       sync.Mutex
	recordID string
}

// NewGistClient returns a new gist client.
func NewGistClient(opts GistOptions) (*GistClient, error) {
	defaults := NewGistOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = defaults.BaseURL
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Filename == "" {
		opts.Filename = defaults.Filename
	}
	if opts.PerPage <= 0 {
		opts.PerPage = defaults.PerPage
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaults.RetryInterval
	}
	if opts.Owner == "" {
		return nil, errors.New("owner must be set")
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &GistClient{
		opts:     opts,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, 1),
		recordID: opts.RecordID,
	}, nil
}

// RecordID returns the ID of the gist this client publishes to.
func (c *GistClient) RecordID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordID
}

type gistFile struct {
	Filename  string `json:"filename,omitempty"`
	Content   string `json:"content,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

type gist struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Public      bool                `json:"public"`
	Files       map[string]gistFile `json:"files"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type gistWrite struct {
	Description string              `json:"description"`
	Public      *bool               `json:"public,omitempty"`
	Files       map[string]gistFile `json:"files"`
}

// Publish implements Directory. When the held gist no longer exists a new
// one is created.
func (c *GistClient) Publish(ctx context.Context, tag, content string) (string, error) {
	log := context.LoggerFrom(ctx).With("component", "gist-client")
	c.mu.Lock()
	defer c.mu.Unlock()
	body := gistWrite{
		Description: Description(tag, c.opts.Owner),
		Files: map[string]gistFile{
			c.opts.Filename: {Content: content},
		},
	}
	if c.recordID != "" {
		_, err := c.do(ctx, http.MethodPatch, c.opts.BaseURL+"/gists/"+url.PathEscape(c.recordID), body)
		if err == nil {
			log.Debug("Updated directory record", slog.String("id", c.recordID))
			return c.recordID, nil
		}
		if !errors.Is(err, ErrNoRecord) {
			return "", fmt.Errorf("update gist: %w", err)
		}
		log.Warn("Directory record is gone, creating a new one", slog.String("id", c.recordID))
	}
	public := c.opts.Public
	body.Public = &public
	data, err := c.do(ctx, http.MethodPost, c.opts.BaseURL+"/gists", body)
	if err != nil {
		return "", fmt.Errorf("create gist: %w", err)
	}
	var created gist
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode created gist: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("create gist: response carried no id")
	}
	c.recordID = created.ID
	log.Info("Created directory record", slog.String("id", c.recordID))
	if c.opts.OnRecordID != nil {
		c.opts.OnRecordID(c.recordID)
	}
	return c.recordID, nil
}

// List implements Directory. Pages are read until an empty page is
// returned.
func (c *GistClient) List(ctx context.Context, tag string) ([]Record, error) {
	path := "/gists"
	if c.opts.ListPublic {
		path = "/gists/public"
	}
	var out []Record
	for page := 1; page <= maxListPages; page++ {
		q := url.Values{}
		q.Set("per_page", strconv.Itoa(c.opts.PerPage))
		q.Set("page", strconv.Itoa(page))
		data, err := c.do(ctx, http.MethodGet, c.opts.BaseURL+path+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("list gists page %d: %w", page, err)
		}
		var gists []gist
		if err := json.Unmarshal(data, &gists); err != nil {
			return nil, fmt.Errorf("decode gists page %d: %w", page, err)
		}
		if len(gists) == 0 {
			return out, nil
		}
		for _, g := range gists {
			if !HasTag(g.Description, tag) {
				continue
			}
			if rec, ok := c.toRecord(g); ok {
				out = append(out, rec)
			}
		}
	}
	context.LoggerFrom(ctx).Warn("Stopped listing gists at page limit", slog.Int("pages", maxListPages))
	return out, nil
}

// Fetch implements Directory. Content that was not inline, or was
// truncated, is read from the raw URL.
func (c *GistClient) Fetch(ctx context.Context, rec Record) (string, error) {
	if rec.Content != "" && !rec.Truncated {
		return rec.Content, nil
	}
	if rec.RawURL == "" {
		if rec.ID == "" {
			return "", ErrNoRecord
		}
		data, err := c.do(ctx, http.MethodGet, c.opts.BaseURL+"/gists/"+url.PathEscape(rec.ID), nil)
		if err != nil {
			return "", fmt.Errorf("get gist: %w", err)
		}
		var g gist
		if err := json.Unmarshal(data, &g); err != nil {
			return "", fmt.Errorf("decode gist: %w", err)
		}
		full, ok := c.toRecord(g)
		if !ok {
			return "", ErrNoRecord
		}
		if full.Content != "" && !full.Truncated {
			return full.Content, nil
		}
		if full.RawURL == "" {
			return "", ErrNoRecord
		}
		rec = full
	}
	data, err := c.do(ctx, http.MethodGet, rec.RawURL, nil)
	if err != nil {
		return "", fmt.Errorf("get raw content: %w", err)
	}
	return string(data), nil
}

func (c *GistClient) toRecord(g gist) (Record, bool) {
	f, ok := g.Files[c.opts.Filename]
	if !ok {
		return Record{}, false
	}
	return Record{
		ID:          g.ID,
		Description: g.Description,
		Filename:    c.opts.Filename,
		Content:     f.Content,
		RawURL:      f.RawURL,
		Truncated:   f.Truncated,
		UpdatedAt:   g.UpdatedAt,
	}, true
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *GistClient) do(ctx context.Context, method, target string, body any) ([]byte, error) {
	log := context.LoggerFrom(ctx).With("component", "gist-client")
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}
	var out []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		req.Header.Set("User-Agent", "closednet/"+version.Version)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			out = data
			return nil
		}
		return classifyStatus(resp, data)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Debug("Retrying directory request",
			slog.String("method", method),
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
		)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func classifyStatus(resp *http.Response, data []byte) error {
	msg := strings.TrimSpace(string(data))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	serr := &statusError{code: resp.StatusCode, body: msg}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrNoRecord, serr))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, serr)
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return fmt.Errorf("%w: %v", ErrRateLimited, serr)
	case resp.StatusCode >= 500:
		return serr
	default:
		return backoff.Permanent(serr)
	}
}
