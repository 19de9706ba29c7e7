// Package tokencount estimates token costs for model API calls.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library, as an
// approximation for the Gemini and Anthropic tokenizers. The counts feed the
// rate limiter's tokens-per-minute buckets, so a close estimate is enough;
// when no encoding can be loaded the counter falls back to the classic
// four-characters-per-token heuristic rather than failing the call.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token estimation.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

// getEncodingForModel returns the appropriate tiktoken encoding for a model.
// It caches encodings for performance.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalizedModel := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := c.encodingCache[normalizedModel]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalizedModel)
	if err != nil {
		// cl100k_base is the closest public approximation for the Gemini and
		// Claude tokenizers.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalizedModel),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalizedModel] = enc
	return enc, nil
}

// normalizeModelName converts model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	// Gemini API model names may carry a "models/" resource prefix
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "gemini"):
		// No public Gemini tokenizer; cl100k_base is a close approximation
		return "gpt-4"
	case strings.Contains(model, "claude"):
		// Claude tokenizes differently but cl100k_base is a reasonable approximation
		return "gpt-4"
	default:
		return "gpt-4"
	}
}

// CountTokens estimates the number of tokens in a text string for a given
// model. It never fails: when no encoding is available the estimate degrades
// to len/4.
func (c *Counter) CountTokens(text, model string) int {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		slog.Warn("token encoding unavailable, using length estimate",
			slog.String("model", model),
			slog.Any("error", err))
		return approxTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountChatTokens estimates prompt tokens for a chat-shaped request,
// accounting for the per-message structure overhead of OpenAI-compatible
// message framing.
func (c *Counter) CountChatTokens(systemPrompt, userPrompt, model string) int {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return approxTokens(systemPrompt) + approxTokens(userPrompt) + 8
	}

	// 3 tokens per message + 1 for the role name, and every reply is primed
	// with <|start|>assistant<|message|>
	tokensPerMessage := 3
	tokensPerRole := 1

	numTokens := 0
	numTokens += tokensPerMessage
	numTokens += len(enc.Encode("system", nil, nil))
	numTokens += len(enc.Encode(systemPrompt, nil, nil))
	numTokens += tokensPerRole

	numTokens += tokensPerMessage
	numTokens += len(enc.Encode("user", nil, nil))
	numTokens += len(enc.Encode(userPrompt, nil, nil))
	numTokens += tokensPerRole

	numTokens += 3

	return numTokens
}

// tile geometry used by Gemini multimodal token accounting: images are split
// into 768px tiles, each billed at a flat rate.
const (
	imageTileSize   = 768
	tokensPerTile   = 258
	minImageTokens  = 258
	maxImageSideDim = 24 // safety cap: 24 tiles per side
)

// EstimateImageTokens estimates the prompt tokens one image of the given
// pixel dimensions adds to a vision call.
func EstimateImageTokens(width, height int) int {
	if width <= 0 || height <= 0 {
		return minImageTokens
	}
	tilesX := (width + imageTileSize - 1) / imageTileSize
	tilesY := (height + imageTileSize - 1) / imageTileSize
	if tilesX > maxImageSideDim {
		tilesX = maxImageSideDim
	}
	if tilesY > maxImageSideDim {
		tilesY = maxImageSideDim
	}
	n := tilesX * tilesY * tokensPerTile
	if n < minImageTokens {
		n = minImageTokens
	}
	return n
}

// EstimateVisionCall estimates the total prompt tokens of a single-image
// vision request: chat framing plus the image tiles.
func (c *Counter) EstimateVisionCall(systemPrompt, userPrompt string, imageWidth, imageHeight int, model string) int {
	return c.CountChatTokens(systemPrompt, userPrompt, model) + EstimateImageTokens(imageWidth, imageHeight)
}

func approxTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// CountTokensDefault uses the default counter to estimate tokens.
func CountTokensDefault(text, model string) int {
	return DefaultCounter.CountTokens(text, model)
}
