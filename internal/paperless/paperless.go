// Package paperless is the upstream HTTP client for a Paperless-NGX
// instance: paged document listing, single-document fetch with OCR content,
// and document deletion, each wrapped in the retry/backoff policy the sync
// engine and batch orchestrator depend on.
package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIToken string
	Username string
	Password string

	// Timeout bounds a single HTTP call (default 30s per call deadline).
	Timeout time.Duration

	// Retry policy, exponential backoff.
	RetryBase    time.Duration
	RetryFactor  float64
	RetryCap     time.Duration
	RetryMaxTries int
}

// DefaultConfig returns the documented retry defaults; callers still must
// set BaseURL and credentials.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryBase:     500 * time.Millisecond,
		RetryFactor:   2,
		RetryCap:      30 * time.Second,
		RetryMaxTries: 5,
	}
}

// Client talks to the Paperless-NGX REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Logger
}

// New creates a Client. httpClient may be nil to use a default *http.Client.
// log may be nil, in which case logrus.StandardLogger() is used.
func New(cfg Config, httpClient *http.Client, log *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, httpClient: httpClient, log: log}
}

// UpstreamDocument is the subset of the Paperless-NGX document resource this
// core cares about.
type UpstreamDocument struct {
	ID                  int64     `json:"id"`
	Title               string    `json:"title"`
	Content             string    `json:"content"`
	Created             time.Time `json:"created"`
	Modified            time.Time `json:"modified"`
	Correspondent       *string   `json:"correspondent"`
	DocumentType        *string   `json:"document_type"`
	Tags                []int64   `json:"tags"`
	OriginalFileName    string    `json:"original_file_name"`
	ArchivedFileName    string    `json:"archived_file_name"`
	ArchiveSerialNumber *int64    `json:"archive_serial_number"`
	FileSize            int64     `json:"file_size"`
}

// UpstreamTag is a Paperless-NGX tag resource: the sync engine resolves a
// document's tag ids against a fetched set of these to populate
// Document.Tags with display names rather than opaque ids.
type UpstreamTag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type tagListResponse struct {
	Count   int           `json:"count"`
	Next    *string       `json:"next"`
	Results []UpstreamTag `json:"results"`
}

type listResponse struct {
	Count    int                `json:"count"`
	Next     *string            `json:"next"`
	Previous *string            `json:"previous"`
	Results  []UpstreamDocument `json:"results"`
}

// Page is one page of the document listing.
type Page struct {
	Count      int
	Results    []UpstreamDocument
	HasMore    bool
}

// ListDocuments fetches one page of documents ordered by id, the paging
// contract the sync engine walks page by page.
func (c *Client) ListDocuments(ctx context.Context, pageNumber, pageSize int) (Page, error) {
	u := fmt.Sprintf("%s/api/documents/?page=%d&page_size=%d&ordering=id",
		trimSlash(c.cfg.BaseURL), pageNumber, pageSize)

	var resp listResponse
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return Page{}, err
	}
	return Page{Count: resp.Count, Results: resp.Results, HasMore: resp.Next != nil}, nil
}

// GetDocument fetches a single document's metadata and OCR content.
func (c *Client) GetDocument(ctx context.Context, upstreamID int64) (UpstreamDocument, error) {
	u := fmt.Sprintf("%s/api/documents/%d/", trimSlash(c.cfg.BaseURL), upstreamID)
	var doc UpstreamDocument
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &doc); err != nil {
		return UpstreamDocument{}, err
	}
	return doc, nil
}

// ListTags fetches every tag defined upstream, paging until exhausted.
func (c *Client) ListTags(ctx context.Context) ([]UpstreamTag, error) {
	var all []UpstreamTag
	page := 1
	for {
		u := fmt.Sprintf("%s/api/tags/?page=%d&page_size=100", trimSlash(c.cfg.BaseURL), page)
		var resp tagListResponse
		if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Results...)
		if resp.Next == nil {
			break
		}
		page++
	}
	return all, nil
}

// DeleteDocument deletes a document upstream, used by the batch
// orchestrator's resolve-duplicates operation.
func (c *Client) DeleteDocument(ctx context.Context, upstreamID int64) error {
	u := fmt.Sprintf("%s/api/documents/%d/", trimSlash(c.cfg.BaseURL), upstreamID)
	return c.doJSON(ctx, http.MethodDelete, u, nil, nil)
}

// PatchDocument applies a partial update to a document upstream (tags,
// correspondent, document_type, or other writable fields), used by the batch
// orchestrator's tag/untag/update_metadata operations.
func (c *Client) PatchDocument(ctx context.Context, upstreamID int64, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "paperless.PatchDocument", err)
	}
	u := fmt.Sprintf("%s/api/documents/%d/", trimSlash(c.cfg.BaseURL), upstreamID)
	return c.doJSON(ctx, http.MethodPatch, u, bytes.NewReader(body), nil)
}

// Ping verifies connectivity and credentials against the upstream root.
func (c *Client) Ping(ctx context.Context) error {
	u := fmt.Sprintf("%s/api/", trimSlash(c.cfg.BaseURL))
	return c.doJSON(ctx, http.MethodGet, u, nil, nil)
}

// doJSON executes a request with retry/backoff and decodes a JSON response
// into out (skipped if out is nil).
func (c *Client) doJSON(ctx context.Context, method, u string, body io.Reader, out any) error {
	var lastErr error

	for attempt := 0; attempt < c.cfg.RetryMaxTries; attempt++ {
		statusCode, respBody, err := c.executeOnce(ctx, method, u, body)
		if err == nil {
			if out != nil && len(respBody) > 0 {
				if decErr := json.Unmarshal(respBody, out); decErr != nil {
					return apperr.Wrap(apperr.Internal, "paperless.doJSON", decErr)
				}
			}
			return nil
		}
		lastErr = err

		if !retryable(statusCode, err) {
			return classify(statusCode, err)
		}

		c.log.WithError(err).WithFields(logrus.Fields{
			"method": method, "url": u, "attempt": attempt + 1, "status": statusCode,
		}).Warn("paperless: request attempt failed, retrying")

		if attempt < c.cfg.RetryMaxTries-1 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return apperr.Wrap(apperr.Cancelled, "paperless.doJSON", ctx.Err())
			}
		}
	}
	c.log.WithError(lastErr).WithFields(logrus.Fields{
		"method": method, "url": u, "attempts": c.cfg.RetryMaxTries,
	}).Error("paperless: request exhausted retries")
	return apperr.Wrap(apperr.UpstreamTransient, "paperless.doJSON",
		fmt.Errorf("request failed after %d attempts: %w", c.cfg.RetryMaxTries, lastErr))
}

// executeOnce performs a single HTTP attempt, returning the status code (0
// if the request never reached the server) and the raw response body.
func (c *Client) executeOnce(ctx context.Context, method, u string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, err
	}
	c.authenticate(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, fmt.Errorf("paperless upstream: %s", resp.Status)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) authenticate(req *http.Request) {
	switch {
	case c.cfg.APIToken != "":
		req.Header.Set("Authorization", "Token "+c.cfg.APIToken)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// backoff computes exponential backoff with a hard cap, matching the
// documented base 500ms / factor 2 / cap 30s policy.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.RetryBase)
	for i := 0; i < attempt; i++ {
		d *= c.cfg.RetryFactor
	}
	capped := time.Duration(d)
	if capped > c.cfg.RetryCap {
		capped = c.cfg.RetryCap
	}
	return capped
}

// retryable reports whether a failed attempt should be retried: 429 and 5xx
// responses, plus transport-level errors that never produced a status code.
func retryable(statusCode int, err error) bool {
	if statusCode == 0 {
		return true
	}
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500
}

// classify maps a non-retryable failure to its apperr.Kind: a 404 is
// NotFound, any other 4xx is UpstreamPermanent, anything else is Internal.
func classify(statusCode int, err error) error {
	switch {
	case statusCode == http.StatusNotFound:
		return apperr.Wrap(apperr.NotFound, "paperless", err)
	case statusCode >= 400 && statusCode < 500:
		return apperr.Wrap(apperr.UpstreamPermanent, "paperless", err)
	default:
		return apperr.Wrap(apperr.Internal, "paperless", err)
	}
}

func trimSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

// PageQuery builds the page/page_size query values, exposed for callers that
// need to construct their own listing URLs (e.g. CLI diagnostics).
func PageQuery(pageNumber, pageSize int) url.Values {
	v := url.Values{}
	v.Set("page", strconv.Itoa(pageNumber))
	v.Set("page_size", strconv.Itoa(pageSize))
	return v
}
