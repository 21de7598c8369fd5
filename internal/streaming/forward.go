package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/translator"
	"gcliproxy/internal/upstream"
)

// ForwardGemini relays upstream SSE events to a native client. Each
// event is unwrapped from the v1internal envelope and re-emitted
// compact, preserving order. Events that fail to parse are skipped.
// The native protocol has no terminal sentinel, so none is written.
func ForwardGemini(ctx context.Context, sw *Writer, stream io.Reader) error {
	sc := NewScanner(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, done, err := sc.Next()
		if err != nil {
			if writeErr := sw.Error(err, apperrors.FormatGemini); writeErr != nil {
				return writeErr
			}
			return err
		}
		if done {
			return nil
		}

		var buf bytes.Buffer
		if err := json.Compact(&buf, upstream.UnwrapResponse(data)); err != nil {
			log.WithError(err).Debug("skipping malformed stream event")
			continue
		}
		if err := sw.Data(buf.Bytes()); err != nil {
			return err
		}
	}
}

// ForwardOpenAI converts upstream SSE events into chat.completion.chunk
// events sharing one response id, closing the stream with [DONE].
// Upstream error objects surface in the OpenAI error shape.
func ForwardOpenAI(ctx context.Context, sw *Writer, stream io.Reader, model string) error {
	responseID := "chatcmpl-" + uuid.NewString()
	sc := NewScanner(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, done, err := sc.Next()
		if err != nil {
			if writeErr := sw.Error(err, apperrors.FormatOpenAI); writeErr != nil {
				return writeErr
			}
			if writeErr := sw.Done(); writeErr != nil {
				return writeErr
			}
			return err
		}
		if done {
			break
		}

		event := upstream.UnwrapResponse(data)
		if !gjson.ValidBytes(event) {
			log.Debug("skipping malformed stream event")
			continue
		}
		if upstreamErr := gjson.GetBytes(event, "error"); upstreamErr.Exists() {
			code := int(upstreamErr.Get("code").Int())
			if code == 0 {
				code = 500
			}
			if writeErr := sw.Error(apperrors.FromUpstreamStatus(code, event), apperrors.FormatOpenAI); writeErr != nil {
				return writeErr
			}
			continue
		}
		if !gjson.GetBytes(event, "candidates").Exists() {
			continue
		}
		if err := sw.Data(translator.GeminiToOpenAIChunk(event, model, responseID)); err != nil {
			return err
		}
	}
	return sw.Done()
}
