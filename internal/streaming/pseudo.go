package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"gcliproxy/internal/config"
	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/translator"
)

// PseudoOpenAI replays a buffered chat completion as an SSE stream.
// The message content is sliced into rune chunks paced by the
// streaming config, so concatenating the deltas reproduces the
// buffered content exactly. The first chunk carries the assistant
// role, the final chunk carries finish_reason and usage, and the
// stream closes with [DONE].
func PseudoOpenAI(ctx context.Context, sw *Writer, completion []byte, model string, cfg config.StreamingConfig) error {
	choice := gjson.GetBytes(completion, "choices.0")
	content := choice.Get("message.content").String()

	responseID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	chunks := splitIntoChunks(content, cfg.ChunkSize)
	for i, piece := range chunks {
		if i > 0 && cfg.Delay() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Delay()):
			}
		}

		delta := map[string]interface{}{}
		if i == 0 {
			delta["role"] = "assistant"
			if reasoning := choice.Get("message.reasoning_content"); reasoning.Exists() {
				delta["reasoning_content"] = reasoning.String()
			}
		}
		if piece != "" {
			delta["content"] = piece
		}
		if err := sw.Data(openAIChunk(responseID, model, created, delta, nil, nil)); err != nil {
			return err
		}
	}

	if toolCalls := choice.Get("message.tool_calls").Array(); len(toolCalls) > 0 {
		calls := make([]map[string]interface{}, 0, len(toolCalls))
		for i, call := range toolCalls {
			entry := map[string]interface{}{"index": i}
			for key, value := range call.Map() {
				entry[key] = value.Value()
			}
			calls = append(calls, entry)
		}
		delta := map[string]interface{}{"tool_calls": calls}
		if err := sw.Data(openAIChunk(responseID, model, created, delta, nil, nil)); err != nil {
			return err
		}
	}

	finish := choice.Get("finish_reason").String()
	if finish == "" {
		finish = "stop"
	}
	var usage interface{}
	if u := gjson.GetBytes(completion, "usage"); u.Exists() {
		usage = u.Value()
	}
	if err := sw.Data(openAIChunk(responseID, model, created, map[string]interface{}{}, finish, usage)); err != nil {
		return err
	}
	return sw.Done()
}

// PseudoGemini emulates a native stream around a buffered generation.
// An empty heartbeat chunk goes out before the upstream call so slow
// generations keep the connection alive, then the finished candidate
// arrives as a single chunk, then [DONE]. Responses without the
// expected candidate shape pass through untouched.
func PseudoGemini(ctx context.Context, sw *Writer, fetch func(context.Context) ([]byte, error)) error {
	if err := sw.Data(geminiCandidateChunk("", nil)); err != nil {
		return err
	}

	body, err := fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if writeErr := sw.Error(err, apperrors.FormatGemini); writeErr != nil {
			return writeErr
		}
		return sw.Done()
	}

	text := gjson.GetBytes(body, "candidates.0.content.parts.0.text")
	if text.Exists() && text.String() != "" {
		finish := gjson.GetBytes(body, "candidates.0.finishReason").String()
		if finish == "" {
			finish = "STOP"
		}
		if err := sw.Data(geminiCandidateChunk(text.String(), finish)); err != nil {
			return err
		}
	} else if err := sw.Data(body); err != nil {
		return err
	}
	return sw.Done()
}

// openAIChunk renders one chat.completion.chunk event.
func openAIChunk(responseID, model string, created int64, delta map[string]interface{}, finish, usage interface{}) []byte {
	chunk := map[string]interface{}{
		"id":      responseID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]interface{}{
			{"index": 0, "delta": delta, "finish_reason": finish},
		},
		"system_fingerprint": translator.SystemFingerprint,
	}
	if usage != nil {
		chunk["usage"] = usage
	}
	out, _ := json.Marshal(chunk)
	return out
}

// geminiCandidateChunk renders a single-candidate stream event. A nil
// finish marks the heartbeat shape.
func geminiCandidateChunk(text string, finish interface{}) []byte {
	chunk := map[string]interface{}{
		"candidates": []map[string]interface{}{
			{
				"content": map[string]interface{}{
					"parts": []map[string]string{{"text": text}},
					"role":  "model",
				},
				"finishReason": finish,
				"index":        0,
			},
		},
	}
	out, _ := json.Marshal(chunk)
	return out
}

// splitIntoChunks slices text into rune chunks of at most size. There
// is always at least one chunk so empty content still produces a
// well-formed stream.
func splitIntoChunks(text string, size int) []string {
	if size <= 0 {
		size = 20
	}

	var chunks []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	if len(chunks) == 0 {
		chunks = append(chunks, "")
	}
	return chunks
}
