package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorFormat selects the wire shape of the rendered error body.
type ErrorFormat string

const (
	FormatOpenAI ErrorFormat = "openai"
	FormatGemini ErrorFormat = "gemini"
)

// OpenAIError mirrors OpenAI's error envelope.
type OpenAIError struct {
	Error struct {
		Message string                 `json:"message"`
		Type    string                 `json:"type"`
		Code    string                 `json:"code,omitempty"`
		Param   string                 `json:"param,omitempty"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// GeminiError mirrors the generative-language API error structure.
type GeminiError struct {
	Error struct {
		Code    int                    `json:"code"`
		Message string                 `json:"message"`
		Status  string                 `json:"status"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// ToJSON renders the error in the caller's wire format. Unknown formats
// fall back to the OpenAI envelope.
func (e *APIError) ToJSON(format ErrorFormat) []byte {
	var body []byte
	switch format {
	case FormatGemini:
		body, _ = json.Marshal(e.gemini())
	default:
		body, _ = json.Marshal(e.openAI())
	}
	return body
}

func (e *APIError) openAI() OpenAIError {
	var out OpenAIError
	out.Error.Message = e.Message
	out.Error.Type = e.Type
	out.Error.Code = e.Code
	out.Error.Details = e.Details
	return out
}

func (e *APIError) gemini() GeminiError {
	var out GeminiError
	out.Error.Code = e.HTTPStatus
	out.Error.Message = e.Message
	out.Error.Status = googleStatus(e.HTTPStatus)
	out.Error.Details = e.Details
	return out
}

func googleStatus(httpStatus int) string {
	switch httpStatus {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusInternalServerError:
		return "INTERNAL"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "UNKNOWN"
	}
}
