// Package upstream speaks the Code Assist wire protocol and drives each
// gateway call through credential selection, token refresh, bounded
// retries and failover. The Client is a thin single-attempt HTTP layer;
// the Dispatcher owns all retry policy on top of it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gcliproxy/internal/config"
	"gcliproxy/internal/constants"
	"gcliproxy/internal/monitoring/tracing"
)

// Actions on the v1internal Code Assist surface.
const (
	ActionGenerate       = "generateContent"
	ActionStreamGenerate = "streamGenerateContent"
	ActionCountTokens    = "countTokens"
)

// DefaultEndpoint is the production Code Assist API host.
const DefaultEndpoint = "https://cloudcode-pa.googleapis.com"

// Call is one upstream HTTP attempt: a Gemini-shape request payload
// bound for an action, wrapped in the {model, project, request}
// envelope the v1internal surface expects.
type Call struct {
	Action  string
	Model   string
	Project string
	Bearer  string
	Payload json.RawMessage
	Stream  bool
}

// Client issues single requests against the Code Assist API. It holds
// no retry logic and no credential state.
type Client struct {
	endpoint string
	cli      *http.Client
}

// NewClient builds a client for the configured endpoint. An empty
// endpoint falls back to the production host.
func NewClient(cfg config.UpstreamConfig) *Client {
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.CodeAssistEndpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		cli:      &http.Client{Transport: newTransport(cfg)},
	}
}

// envelope is the v1internal request wrapper. The inner request keeps
// its raw JSON so translation stays the single place that shapes it.
type envelope struct {
	Model   string          `json:"model"`
	Project string          `json:"project,omitempty"`
	Request json.RawMessage `json:"request"`
}

// Do performs one POST against {endpoint}/v1internal:{action}. The
// caller owns resp.Body on success; on error any body is closed here.
func (c *Client) Do(ctx context.Context, call Call) (*http.Response, error) {
	body, err := json.Marshal(envelope{
		Model:   call.Model,
		Project: call.Project,
		Request: call.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode upstream envelope: %w", err)
	}

	url := c.endpoint + "/v1internal:" + call.Action
	if call.Stream {
		url += "?alt=sse"
	}

	ctx, span := tracing.StartSpan(ctx, "upstream", "CodeAssist."+call.Action,
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", url),
			attribute.String("upstream.model", call.Model),
			attribute.Bool("upstream.stream", call.Stream),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, err
	}
	c.applyHeaders(req, call)

	resp, err := c.cli.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp, nil
}

// applyHeaders stamps the gemini-cli wire fingerprint on the request.
// The Code Assist API is built for that client, so the gateway presents
// itself the same way.
func (c *Client) applyHeaders(req *http.Request, call Call) {
	req.Header.Set("Content-Type", "application/json")
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if call.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+call.Bearer)
	}
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("X-Goog-Api-Client", "gl-go/"+goVersion())
	req.Header.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI")
	if p := strings.TrimSpace(call.Project); p != "" {
		req.Header.Set("X-Goog-User-Project", p)
	}
}

func userAgent() string {
	return fmt.Sprintf("GeminiCLI/%s (%s; %s)", constants.GeminiCLIVersion, runtime.GOOS, runtime.GOARCH)
}

func goVersion() string {
	v := strings.TrimPrefix(runtime.Version(), "go")
	if v == "" {
		return "unknown"
	}
	return v
}

// UnwrapResponse strips the {"response": {...}} wrapper the v1internal
// surface puts around generation payloads. Already-bare payloads pass
// through untouched, so it is safe on every body and SSE chunk.
func UnwrapResponse(raw []byte) []byte {
	if res := gjson.GetBytes(raw, "response"); res.Exists() && res.IsObject() {
		return []byte(res.Raw)
	}
	return raw
}

// ReadAll drains and closes a response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// readErrorBody reads at most MaxErrorBodyBytes of a failure body so a
// hostile upstream cannot balloon error handling, then closes it.
func readErrorBody(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, constants.MaxErrorBodyBytes))
	return data
}
