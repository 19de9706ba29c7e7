// Package blobstore provides the bucket object-store HTTP client that holds
// job artifacts: source PDFs fetched by the OCR pipeline and outputs written
// by extractor executors. Buckets are named per document kind; objects live
// under {base}/object/{bucket}/{key}.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// DefaultBucket receives bare-key artifact paths that carry no bucket segment.
const DefaultBucket = "documents"

// Client is a minimal object-store HTTP client authenticated with the
// environment's service key.
type Client struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

var _ domain.ArtifactStore = (*Client)(nil)

// New constructs a client for one environment's store. The timeout covers a
// full object transfer, so it is sized for multi-megabyte PDFs rather than
// API round trips.
func New(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		bucket:     DefaultBucket,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// locate maps a stored artifact path onto its request URL and canonical
// bucket-relative form. Paths arrive in three shapes: fully qualified URLs,
// bucket-relative ("actes/2024/doc.pdf"), and bare keys, which land in the
// default bucket.
func (c *Client) locate(path string) (requestURL, storedPath string, err error) {
	if strings.TrimSpace(path) == "" {
		return "", "", fmt.Errorf("empty artifact path: %w", domain.ErrInvalidArgument)
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, path, nil
	}
	p := strings.TrimLeft(path, "/")
	if !strings.Contains(p, "/") {
		p = c.bucket + "/" + p
	}
	return c.baseURL + "/object/" + p, p, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}
}

// statusErr maps a non-2xx response onto the error taxonomy: missing objects
// are ErrNotFound, credential failures are permanent, throttling and server
// faults are retryable store outages.
func statusErr(op, path string, code int) error {
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("op=%s %s: status %d: %w", op, path, code, domain.ErrNotFound)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("op=%s %s: status %d: %w", op, path, code, domain.ErrUpstreamPermanent)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("op=%s %s: status %d: %w", op, path, code, domain.ErrStoreUnavailable)
	default:
		return fmt.Errorf("op=%s %s: status %d: %w", op, path, code, domain.ErrUpstreamPermanent)
	}
}

// Fetch reads an object's bytes.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	u, stored, err := c.locate(path)
	if err != nil {
		return nil, fmt.Errorf("op=blobstore.fetch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("op=blobstore.fetch %s: %w", stored, err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=blobstore.fetch %s: %v: %w", stored, err, domain.ErrStoreUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusErr("blobstore.fetch", stored, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blobstore.fetch %s: %v: %w", stored, err, domain.ErrStoreUnavailable)
	}
	return data, nil
}

// Put writes an object and returns its canonical stored path. An empty
// contentType is sniffed from the payload.
func (c *Client) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	u, stored, err := c.locate(path)
	if err != nil {
		return "", fmt.Errorf("op=blobstore.put: %w", err)
	}
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("op=blobstore.put %s: %w", stored, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=blobstore.put %s: %v: %w", stored, err, domain.ErrStoreUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusErr("blobstore.put", stored, resp.StatusCode)
	}
	return stored, nil
}

// Ping probes the store's health endpoint; used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=blobstore.ping: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=blobstore.ping: %v: %w", err, domain.ErrStoreUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusErr("blobstore.ping", "health", resp.StatusCode)
	}
	return nil
}
