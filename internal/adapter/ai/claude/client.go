// Package claude implements the boost pass and the consensus line count over
// the Anthropic Messages API. Like the Gemini adapter it is single-shot per
// invocation: the OCR pipeline owns the retry budget, and the SDK's built-in
// retries are disabled so attempts stay countable.
package claude

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/pkg/textx"
)

const (
	boostSystemPrompt = "You correct OCR transcriptions of Quebec registry tables. " +
		"Fix obvious character confusions, normalize dates, keep the pipe-delimited " +
		"six-field structure intact, and never invent or drop rows."
	boostUserPromptFmt = "Correct this transcription. Keep the same rows and the same " +
		"field structure, with the literal word null for empty fields:\n\n%s"

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

// Client wraps the Anthropic SDK for one configured model.
type Client struct {
	client anthropic.Client
	model  string
}

var (
	_ domain.TextModel   = (*Client)(nil)
	_ domain.VisionModel = (*Client)(nil)
)

// New constructs a client. Extra request options are for tests (base URL
// override); production callers pass none.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &Client{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
	}
}

// Name identifies the model for logs and consensus bookkeeping.
func (c *Client) Name() string { return c.model }

// Boost runs the correction pass over an extracted page.
func (c *Client) Boost(ctx context.Context, raw string) (string, error) {
	text, err := c.message(ctx, "boost", boostSystemPrompt, []anthropic.ContentBlockParamUnion{
		anthropic.NewTextBlock(fmt.Sprintf(boostUserPromptFmt, raw)),
	}, 8192)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// CountLines asks the model how many table rows the page shows. Used as the
// second opinion in two-model consensus counting.
func (c *Client) CountLines(ctx context.Context, img domain.PageImage) (int, error) {
	text, err := c.message(ctx, "count_lines", countSystemPrompt, []anthropic.ContentBlockParamUnion{
		anthropic.NewTextBlock(countUserPrompt),
		anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(img.PNG)),
	}, 32)
	if err != nil {
		return 0, err
	}
	n, ok := firstInt(text)
	if !ok {
		return 0, fmt.Errorf("op=claude.count_lines page=%d: no integer in %q: %w",
			img.Page, snippet(text), domain.ErrUpstreamUnavailable)
	}
	return n, nil
}

// ExtractRows transcribes the page into pipe-delimited rows.
func (c *Client) ExtractRows(ctx context.Context, img domain.PageImage, lineCount int) (string, error) {
	text, err := c.message(ctx, "extract_rows", extractSystemPrompt, []anthropic.ContentBlockParamUnion{
		anthropic.NewTextBlock(fmt.Sprintf(extractUserPromptFmt, lineCount)),
		anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(img.PNG)),
	}, 8192)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) message(ctx context.Context, op, system string, blocks []anthropic.ContentBlockParamUnion, maxTokens int64) (string, error) {
	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	observability.ObserveModelRequest("anthropic", op, time.Since(start))
	if err != nil {
		return "", classify(op, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("op=claude.%s: empty content: %w", op, domain.ErrUpstreamUnavailable)
	}
	slog.Debug("anthropic call complete",
		slog.String("op", op), slog.String("model", c.model),
		slog.Int64("input_tokens", msg.Usage.InputTokens),
		slog.Int64("output_tokens", msg.Usage.OutputTokens))
	return sb.String(), nil
}

// classify maps SDK errors onto the taxonomy: the upstream's own 429 and 5xx
// faults are retryable, other API rejections are permanent, and transport
// failures are retryable outages.
func classify(op string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		code := apierr.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			slog.Warn("model rate limited",
				slog.String("provider", "anthropic"), slog.String("op", op), slog.Int("status", code))
			return fmt.Errorf("op=claude.%s: status %d: %w", op, code, domain.ErrUpstreamRateLimit)
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return fmt.Errorf("op=claude.%s: status %d: %w", op, code, domain.ErrUpstreamTimeout)
		case code >= 500:
			slog.Error("model server fault",
				slog.String("provider", "anthropic"), slog.String("op", op), slog.Int("status", code))
			return fmt.Errorf("op=claude.%s: status %d: %w", op, code, domain.ErrUpstreamUnavailable)
		default:
			slog.Error("model rejected request",
				slog.String("provider", "anthropic"), slog.String("op", op), slog.Int("status", code))
			return fmt.Errorf("op=claude.%s: status %d: %w", op, code, domain.ErrUpstreamPermanent)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=claude.%s: %v: %w", op, err, domain.ErrUpstreamTimeout)
	}
	return fmt.Errorf("op=claude.%s: %v: %w", op, err, domain.ErrUpstreamUnavailable)
}

// snippet bounds and sanitizes upstream text before it lands in an error
// message; errors flow into last_error rows.
func snippet(s string) string { return textx.Excerpt(textx.Sanitize(s), 512) }

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
