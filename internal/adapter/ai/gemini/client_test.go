package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quebecregistres/extracteur/internal/adapter/ai/gemini"
	"github.com/quebecregistres/extracteur/internal/domain"
)

func candidateResponse(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": text}},
			},
			"finishReason": "STOP",
		}},
	}
}

func pageImage() domain.PageImage {
	return domain.PageImage{Page: 3, PNG: []byte{0x89, 'P', 'N', 'G'}}
}

func TestCountLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		modelSays string
		want      int
	}{
		{name: "bare integer", modelSays: "42", want: 42},
		{name: "integer with noise", modelSays: "There are 37 rows.", want: 37},
		{name: "trailing newline", modelSays: "12\n", want: 12},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
				assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

				var req map[string]any
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				contents := req["contents"].([]any)
				parts := contents[0].(map[string]any)["parts"].([]any)
				require.Len(t, parts, 2, "prompt text plus the page image")
				inline := parts[1].(map[string]any)["inlineData"].(map[string]any)
				assert.Equal(t, "image/png", inline["mimeType"])

				require.NoError(t, json.NewEncoder(w).Encode(candidateResponse(tt.modelSays)))
			}))
			defer server.Close()

			client := gemini.New("test-key", server.URL, "gemini-2.0-flash")
			got, err := client.CountLines(context.Background(), pageImage())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountLines_NoIntegerInAnswer(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(candidateResponse("the page is blank")))
	}))
	defer server.Close()

	client := gemini.New("k", server.URL, "gemini-2.0-flash")
	_, err := client.CountLines(context.Background(), pageImage())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.True(t, domain.Retryable(err), "a flaky answer is worth another attempt")
}

func TestExtractRows(t *testing.T) {
	t.Parallel()
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		contents := req["contents"].([]any)
		parts := contents[0].(map[string]any)["parts"].([]any)
		gotBody = parts[0].(map[string]any)["text"].(string)

		rows := "A c. B | Vente | 2003-04-14 | 5077177 | null | null\n" +
			"C c. D | Hypothèque | 2003-05-02 | 5079001 | null | voir acte\n"
		require.NoError(t, json.NewEncoder(w).Encode(candidateResponse(rows)))
	}))
	defer server.Close()

	client := gemini.New("k", server.URL, "gemini-2.0-flash")
	got, err := client.ExtractRows(context.Background(), pageImage(), 12)
	require.NoError(t, err)
	assert.Contains(t, gotBody, "approximately 12 rows", "the count hint reaches the prompt")
	assert.Contains(t, got, "5077177")
	assert.NotContains(t, got, "\n\n", "output is trimmed")
}

func TestGenerate_ErrorTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantErr   error
		retryable bool
	}{
		{name: "upstream limiter", status: http.StatusTooManyRequests, wantErr: domain.ErrUpstreamRateLimit, retryable: true},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, wantErr: domain.ErrUpstreamTimeout, retryable: true},
		{name: "server fault", status: http.StatusInternalServerError, wantErr: domain.ErrUpstreamUnavailable, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, wantErr: domain.ErrUpstreamPermanent, retryable: false},
		{name: "bad credentials", status: http.StatusForbidden, wantErr: domain.ErrUpstreamPermanent, retryable: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := gemini.New("k", server.URL, "gemini-2.0-flash")
			_, err := client.CountLines(context.Background(), pageImage())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.retryable, domain.Retryable(err))
		})
	}
}

func TestGenerate_EmptyCandidates(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}}))
	}))
	defer server.Close()

	client := gemini.New("k", server.URL, "gemini-2.0-flash")
	_, err := client.ExtractRows(context.Background(), pageImage(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "gemini-2.0-flash", gemini.New("k", "", "gemini-2.0-flash").Name())
}
