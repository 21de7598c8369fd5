package translator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// SystemFingerprint stamps every OpenAI-shaped response and chunk this
// gateway produces.
const SystemFingerprint = "gcliproxy"

// GeminiToOpenAIResponse renders an upstream generate response as an
// OpenAI chat completion. Thought parts from every candidate aggregate
// into reasoning_content on the first choice; inline images render as
// markdown; functionCall parts become tool_calls.
func GeminiToOpenAIResponse(body []byte, model string) []byte {
	root := gjson.ParseBytes(body)

	choices := []map[string]interface{}{}
	var reasoning strings.Builder

	for i, candidate := range root.Get("candidates").Array() {
		parts := candidate.Get("content.parts").Array()
		content, thought, toolCalls := splitParts(parts, "\n\n", false)
		reasoning.WriteString(thought)

		var finish interface{}
		if fr := MapFinishReason(candidate.Get("finishReason").String()); fr != "" {
			finish = fr
		}

		message := map[string]interface{}{"role": "assistant"}
		if len(toolCalls) > 0 {
			message["tool_calls"] = toolCalls
			finish = "tool_calls"
		} else {
			message["content"] = content
		}

		choices = append(choices, map[string]interface{}{
			"index":         i,
			"message":       message,
			"finish_reason": finish,
		})
	}

	if len(choices) > 0 && reasoning.Len() > 0 {
		choices[0]["message"].(map[string]interface{})["reasoning_content"] = reasoning.String()
	}

	response := map[string]interface{}{
		"id":                 uuid.NewString(),
		"object":             "chat.completion",
		"created":            time.Now().Unix(),
		"model":              model,
		"choices":            choices,
		"system_fingerprint": SystemFingerprint,
	}
	if usage, ok := convertUsage(root.Get("usageMetadata")); ok {
		response["usage"] = usage
	}

	out, _ := json.Marshal(response)
	return out
}

// GeminiToOpenAIChunk renders one upstream stream fragment as an OpenAI
// chat.completion.chunk. All chunks of a stream share responseID. Usage
// is attached only to a chunk that also carries a finish reason, so
// clients see totals exactly once, at the end.
func GeminiToOpenAIChunk(chunk []byte, model, responseID string) []byte {
	root := gjson.ParseBytes(chunk)

	choices := []map[string]interface{}{}
	finished := false

	for _, candidate := range root.Get("candidates").Array() {
		parts := candidate.Get("content.parts").Array()
		content, thought, toolCalls := splitParts(parts, "", true)

		var finish interface{}
		if fr := MapFinishReason(candidate.Get("finishReason").String()); fr != "" {
			finish = fr
		}

		delta := map[string]interface{}{}
		if len(toolCalls) > 0 {
			delta["tool_calls"] = toolCalls
			finish = "tool_calls"
		} else if content != "" {
			delta["content"] = content
		}
		if thought != "" {
			delta["reasoning_content"] = thought
		}

		if len(delta) == 0 && finish == nil {
			continue
		}
		if finish != nil {
			finished = true
		}
		choices = append(choices, map[string]interface{}{
			"index":         candidate.Get("index").Int(),
			"delta":         delta,
			"finish_reason": finish,
		})
	}

	response := map[string]interface{}{
		"id":                 responseID,
		"object":             "chat.completion.chunk",
		"created":            time.Now().Unix(),
		"model":              model,
		"choices":            choices,
		"system_fingerprint": SystemFingerprint,
	}
	if usage, ok := convertUsage(root.Get("usageMetadata")); ok && finished {
		response["usage"] = usage
	}

	out, _ := json.Marshal(response)
	return out
}

// splitParts walks candidate parts and separates visible text (joined
// with sep, inline images rendered as markdown), thought text, and tool
// calls. Stream tool calls carry the delta index field.
func splitParts(parts []gjson.Result, sep string, stream bool) (string, string, []map[string]interface{}) {
	var texts []string
	var reasoning strings.Builder
	var toolCalls []map[string]interface{}

	for _, part := range parts {
		if fc := part.Get("functionCall"); fc.Exists() {
			call := map[string]interface{}{
				"id":   "call_" + uuid.NewString(),
				"type": "function",
				"function": map[string]interface{}{
					"name":      fc.Get("name").String(),
					"arguments": functionArguments(fc.Get("args")),
				},
			}
			if stream {
				call["index"] = 0
			}
			toolCalls = append(toolCalls, call)
			continue
		}

		if text := part.Get("text"); text.Exists() {
			value := text.String()
			// Some upstream builds wrap the text in a one-element parts
			// list. Unwrap it rather than echoing raw JSON.
			if text.IsArray() {
				if inner := text.Get("0.text"); inner.Exists() {
					value = inner.String()
				}
			}
			if part.Get("thought").Bool() {
				reasoning.WriteString(value)
			} else {
				texts = append(texts, value)
			}
			continue
		}

		if inline := part.Get("inlineData"); inline.Exists() {
			mime := inline.Get("mimeType").String()
			data := inline.Get("data").String()
			if mime != "" && data != "" {
				texts = append(texts, "![image](data:"+mime+";base64,"+data+")")
			}
		}
	}

	return strings.Join(texts, sep), reasoning.String(), toolCalls
}

// functionArguments renders functionCall args as the JSON string the
// OpenAI protocol expects.
func functionArguments(args gjson.Result) string {
	if !args.Exists() {
		return "{}"
	}
	return args.Raw
}

// MapFinishReason converts an upstream finish reason to the OpenAI
// vocabulary. Unknown or absent reasons map to the empty string, which
// callers render as null.
func MapFinishReason(reason string) string {
	switch reason {
	case "STOP", "OTHER":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return ""
	}
}

// convertUsage maps usageMetadata to the OpenAI usage block. The second
// return is false when there is nothing worth reporting.
func convertUsage(metadata gjson.Result) (map[string]interface{}, bool) {
	if !metadata.Exists() {
		return nil, false
	}
	prompt := metadata.Get("promptTokenCount").Int()
	completion := metadata.Get("candidatesTokenCount").Int()
	total := metadata.Get("totalTokenCount").Int()
	if total == 0 {
		total = prompt + completion
	}
	return map[string]interface{}{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      total,
	}, true
}

// UsageTokens extracts the prompt and candidate token counts from an
// upstream response for usage accounting.
func UsageTokens(body []byte) (prompt, completion int64) {
	metadata := gjson.GetBytes(body, "usageMetadata")
	return metadata.Get("promptTokenCount").Int(), metadata.Get("candidatesTokenCount").Int()
}
