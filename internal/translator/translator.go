// Package translator converts between the OpenAI chat completions
// protocol, the native Gemini protocol, and the upstream Code Assist
// request schema. Inbound bodies are classified by structural shape and
// normalized into an Envelope; outbound responses are rendered back into
// whichever protocol the client spoke.
package translator

import (
	"github.com/tidwall/gjson"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/models"
)

// Format tags the wire protocol a request arrived in.
type Format string

const (
	FormatOpenAI Format = "openai"
	FormatGemini Format = "gemini"
)

// Envelope is a parsed inbound request: the upstream payload plus
// everything the gateway needs to route it and shape the response.
type Envelope struct {
	// Format selects the response translator.
	Format Format
	// Model is the client-facing model name, variant markers intact.
	Model string
	// Variant is the parsed feature set of Model.
	Variant models.Variant
	// Stream is true when the client asked for an SSE response.
	Stream bool
	// Payload is the request object in the upstream Code Assist schema.
	Payload []byte
	// HealthCheck marks the canned liveness probe; it is answered
	// locally without an upstream call.
	HealthCheck bool
}

// ErrorFormat maps the envelope's wire format to the error-envelope
// vocabulary, so failures render in the protocol the client spoke.
func (e *Envelope) ErrorFormat() apperrors.ErrorFormat {
	if e.Format == FormatGemini {
		return apperrors.FormatGemini
	}
	return apperrors.FormatOpenAI
}

// DetectFormat classifies a request body by structural shape. A messages
// array means OpenAI; a contents array of parts, or Gemini-only top-level
// fields, mean Gemini. Anything else is malformed.
func DetectFormat(raw []byte) (Format, error) {
	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		return "", apperrors.MalformedRequest("request body must be a JSON object")
	}
	if messages := body.Get("messages"); messages.IsArray() {
		return FormatOpenAI, nil
	}
	if contents := body.Get("contents"); contents.IsArray() {
		return FormatGemini, nil
	}
	if body.Get("systemInstruction").Exists() || body.Get("generationConfig").Exists() {
		return FormatGemini, nil
	}
	return "", apperrors.MalformedRequest("request matches neither the OpenAI messages shape nor the Gemini contents shape")
}

// ParseAny parses a request whose protocol is not fixed by the route.
// Gemini-shaped bodies must carry a top-level model field, since there is
// no URL path to name one.
func ParseAny(raw []byte) (*Envelope, error) {
	format, err := DetectFormat(raw)
	if err != nil {
		return nil, err
	}
	if format == FormatOpenAI {
		return ParseOpenAI(raw)
	}
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		return nil, apperrors.MalformedRequest("model is required for Gemini-shaped requests on this endpoint")
	}
	return ParseGemini(model, gjson.GetBytes(raw, "stream").Bool(), raw)
}

// ParseOpenAI parses an OpenAI chat completions body into an Envelope.
func ParseOpenAI(raw []byte) (*Envelope, error) {
	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		return nil, apperrors.MalformedRequest("request body must be a JSON object")
	}
	model := body.Get("model").String()
	if model == "" {
		return nil, apperrors.MalformedRequest("model is required")
	}
	messages := body.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, apperrors.MalformedRequest("messages must be a non-empty array")
	}

	variant := models.Parse(model)
	return &Envelope{
		Format:      FormatOpenAI,
		Model:       model,
		Variant:     variant,
		Stream:      body.Get("stream").Bool(),
		Payload:     openAIToUpstream(body, variant),
		HealthCheck: isOpenAIHealthCheck(messages),
	}, nil
}

// ParseGemini parses a native Gemini body into an Envelope. The model and
// stream flag come from the URL, not the body.
func ParseGemini(model string, stream bool, raw []byte) (*Envelope, error) {
	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		return nil, apperrors.MalformedRequest("request body must be a JSON object")
	}
	contents := body.Get("contents")
	if !contents.IsArray() || len(contents.Array()) == 0 {
		return nil, apperrors.MalformedRequest("missing required field: contents")
	}

	variant := models.Parse(model)
	return &Envelope{
		Format:      FormatGemini,
		Model:       model,
		Variant:     variant,
		Stream:      stream,
		Payload:     nativeToUpstream(raw, variant),
		HealthCheck: isGeminiHealthCheck(contents),
	}, nil
}
