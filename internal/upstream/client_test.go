package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gcliproxy/internal/config"
)

func TestClientWrapsEnvelopeAndStampsHeaders(t *testing.T) {
	t.Parallel()

	var got struct {
		path    string
		query   string
		headers http.Header
		body    []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.headers = r.Header.Clone()
		got.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))
	t.Cleanup(srv.Close)

	cli := NewClient(config.UpstreamConfig{CodeAssistEndpoint: srv.URL})
	resp, err := cli.Do(context.Background(), Call{
		Action:  ActionGenerate,
		Model:   "gemini-2.5-pro",
		Project: "proj-123",
		Bearer:  "tok-abc",
		Payload: json.RawMessage(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`),
	})
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "/v1internal:generateContent", got.path)
	require.Empty(t, got.query)
	require.Equal(t, "Bearer tok-abc", got.headers.Get("Authorization"))
	require.Equal(t, "application/json", got.headers.Get("Content-Type"))
	require.Equal(t, "application/json", got.headers.Get("Accept"))
	require.Equal(t, "proj-123", got.headers.Get("X-Goog-User-Project"))
	require.True(t, strings.HasPrefix(got.headers.Get("User-Agent"), "GeminiCLI/"), "user agent %q", got.headers.Get("User-Agent"))
	require.True(t, strings.HasPrefix(got.headers.Get("X-Goog-Api-Client"), "gl-go/"))
	require.Contains(t, got.headers.Get("Client-Metadata"), "pluginType=GEMINI")

	var env struct {
		Model   string          `json:"model"`
		Project string          `json:"project"`
		Request json.RawMessage `json:"request"`
	}
	require.NoError(t, json.Unmarshal(got.body, &env))
	require.Equal(t, "gemini-2.5-pro", env.Model)
	require.Equal(t, "proj-123", env.Project)
	require.JSONEq(t, `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`, string(env.Request))
}

func TestClientStreamUsesSSE(t *testing.T) {
	t.Parallel()

	var gotPath, gotAlt, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAlt = r.URL.Query().Get("alt")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"candidates\":[]}\n\n"))
	}))
	t.Cleanup(srv.Close)

	cli := NewClient(config.UpstreamConfig{CodeAssistEndpoint: srv.URL})
	resp, err := cli.Do(context.Background(), Call{
		Action:  ActionStreamGenerate,
		Model:   "gemini-2.5-flash",
		Bearer:  "tok",
		Payload: json.RawMessage(`{}`),
		Stream:  true,
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/v1internal:streamGenerateContent", gotPath)
	require.Equal(t, "sse", gotAlt)
	require.Equal(t, "text/event-stream", gotAccept)
}

func TestClientDefaultsToProductionEndpoint(t *testing.T) {
	t.Parallel()
	cli := NewClient(config.UpstreamConfig{})
	require.Equal(t, DefaultEndpoint, cli.endpoint)

	cli = NewClient(config.UpstreamConfig{CodeAssistEndpoint: "https://example.com/"})
	require.Equal(t, "https://example.com", cli.endpoint)
}

func TestUnwrapResponse(t *testing.T) {
	t.Parallel()

	wrapped := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}}`)
	require.JSONEq(t,
		`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`,
		string(UnwrapResponse(wrapped)))

	bare := []byte(`{"candidates":[]}`)
	require.Equal(t, bare, UnwrapResponse(bare))

	// A non-object "response" field is user data, not the envelope.
	odd := []byte(`{"response":"yes","candidates":[]}`)
	require.Equal(t, odd, UnwrapResponse(odd))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	d, ok := parseRetryAfter("7")
	require.True(t, ok)
	require.Equal(t, 7*time.Second, d)

	d, ok = parseRetryAfter("-3")
	require.True(t, ok)
	require.Equal(t, time.Duration(0), d)

	future := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	d, ok = parseRetryAfter(future)
	require.True(t, ok)
	require.InDelta(t, float64(90*time.Second), float64(d), float64(5*time.Second))

	_, ok = parseRetryAfter("soon")
	require.False(t, ok)

	_, ok = parseRetryAfter("")
	require.False(t, ok)
}
