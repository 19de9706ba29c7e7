// Package gemini implements the vision model port over the Gemini
// generateContent REST API. One invocation is one HTTP call; the OCR
// pipeline owns the retry budget, so this client only classifies failures
// into the error taxonomy.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/pkg/textx"
)

// DefaultBaseURL is the public Gemini API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// The prompts are part of the capability contract: count returns a bare
// integer, extract returns pipe-delimited rows. The pipeline treats both
// calls as opaque.
const (
	countSystemPrompt = "You read scanned pages of Quebec registry documents. " +
		"You answer with a single integer and nothing else."
	countUserPrompt = "Count the inscription rows visible in the table on this page. " +
		"Respond with the number of rows only."

	extractSystemPrompt = "You transcribe scanned Quebec registry pages into pipe-delimited rows. " +
		"You output rows only, no commentary."
	extractUserPromptFmt = "This page contains approximately %d rows. Transcribe every row as:\n" +
		"PARTIES | NATURE | DATE | NUM_PUB | RADIATION | REMARQUES\n" +
		"One row per output line with exactly five \" | \" separators. " +
		"Write the literal word null for a field you cannot read or that is empty."
)

// Client is the Gemini REST client for one configured model.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ domain.VisionModel = (*Client)(nil)

// New constructs a client. The HTTP timeout is a backstop; callers bound
// each call with their own per-stage context deadlines.
func New(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 150 * time.Second},
	}
}

// Name identifies the model for logs and consensus bookkeeping.
func (c *Client) Name() string { return c.model }

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// CountLines asks the model how many table rows the page shows.
func (c *Client) CountLines(ctx context.Context, img domain.PageImage) (int, error) {
	text, err := c.generate(ctx, "count_lines", countSystemPrompt, countUserPrompt, img.PNG, 32)
	if err != nil {
		return 0, err
	}
	n, ok := firstInt(text)
	if !ok {
		return 0, fmt.Errorf("op=gemini.count_lines page=%d: no integer in %q: %w",
			img.Page, snippet(text), domain.ErrUpstreamUnavailable)
	}
	return n, nil
}

// ExtractRows asks the model to transcribe the page into pipe-delimited rows.
func (c *Client) ExtractRows(ctx context.Context, img domain.PageImage, lineCount int) (string, error) {
	user := fmt.Sprintf(extractUserPromptFmt, lineCount)
	text, err := c.generate(ctx, "extract_rows", extractSystemPrompt, user, img.PNG, 8192)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) generate(ctx context.Context, op, system, user string, png []byte, maxTokens int) (string, error) {
	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{
			{Text: user},
			{InlineData: &inlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(png)}},
		}}},
		SystemInstruction: &content{Parts: []part{{Text: system}}},
		GenerationConfig:  &generationConfig{Temperature: 0, MaxOutputTokens: maxTokens},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("op=gemini.%s: %w", op, err)
	}

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/models/"+c.model+":generateContent", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=gemini.%s: %w", op, err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(r)
	observability.ObserveModelRequest("gemini", op, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("op=gemini.%s: %v: %w", op, err, domain.ErrUpstreamTimeout)
		}
		return "", fmt.Errorf("op=gemini.%s: %v: %w", op, err, domain.ErrUpstreamUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=gemini.%s: %v: %w", op, err, domain.ErrUpstreamUnavailable)
	}
	if err := classifyStatus(op, c.model, resp.StatusCode, bodyBytes); err != nil {
		return "", err
	}

	var out generateResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		slog.Error("model response decode error",
			slog.String("provider", "gemini"), slog.String("op", op), slog.Any("error", err))
		return "", fmt.Errorf("op=gemini.%s: decode: %v: %w", op, err, domain.ErrUpstreamUnavailable)
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("op=gemini.%s: empty candidates: %w", op, domain.ErrUpstreamUnavailable)
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// classifyStatus maps a non-2xx response onto the taxonomy: 429 is the
// upstream's own limiter, timeouts and 5xx are retryable, any other 4xx will
// not heal on retry.
func classifyStatus(op, model string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	switch {
	case code == http.StatusTooManyRequests:
		slog.Warn("model rate limited",
			slog.String("provider", "gemini"), slog.String("op", op),
			slog.String("model", model), slog.Int("status", code))
		return fmt.Errorf("op=gemini.%s: status %d: %w", op, code, domain.ErrUpstreamRateLimit)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("op=gemini.%s: status %d: %w", op, code, domain.ErrUpstreamTimeout)
	case code >= 500:
		slog.Error("model server fault",
			slog.String("provider", "gemini"), slog.String("op", op),
			slog.String("model", model), slog.Int("status", code), slog.String("body", snippet(string(body))))
		return fmt.Errorf("op=gemini.%s: status %d: %w", op, code, domain.ErrUpstreamUnavailable)
	default:
		slog.Error("model rejected request",
			slog.String("provider", "gemini"), slog.String("op", op),
			slog.String("model", model), slog.Int("status", code), slog.String("body", snippet(string(body))))
		return fmt.Errorf("op=gemini.%s: status %d: %w", op, code, domain.ErrUpstreamPermanent)
	}
}

// snippet bounds and sanitizes upstream text before it lands in an error
// message; errors flow into last_error rows.
func snippet(s string) string { return textx.Excerpt(textx.Sanitize(s), 512) }

// firstInt returns the first contiguous digit run in s.
func firstInt(s string) (int, bool) {
	start := -1
	for i, r := range s {
		isDigit := r >= '0' && r <= '9'
		switch {
		case isDigit && start < 0:
			start = i
		case !isDigit && start >= 0:
			if n, err := strconv.Atoi(s[start:i]); err == nil {
				return n, true
			}
			start = -1
		}
	}
	if start >= 0 {
		if n, err := strconv.Atoi(s[start:]); err == nil {
			return n, true
		}
	}
	return 0, false
}
