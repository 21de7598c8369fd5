package streaming

import (
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gcliproxy/internal/common"
	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/upstream"
)

// RequestFunc issues one upstream streaming call for payload and
// returns the SSE body. The anti-truncation loop calls it once per
// attempt, with continuation turns appended after the first.
type RequestFunc func(ctx context.Context, payload []byte) (io.ReadCloser, error)

// Convert adapts an upstream event to the client protocol before it is
// written. Returning nil drops the event. A nil Convert forwards
// events unchanged, which is what native clients want.
type Convert func(event []byte) []byte

// InjectDoneInstruction appends the strict end-marker rule to the
// payload's systemInstruction. Payloads whose instruction already
// mentions the marker pass through unchanged, so reapplying on
// continuation attempts is safe.
func InjectDoneInstruction(payload []byte) []byte {
	for _, part := range gjson.GetBytes(payload, "systemInstruction.parts").Array() {
		if strings.Contains(part.Get("text").String(), common.DoneMarker) {
			return payload
		}
	}
	out, err := sjson.SetBytes(payload, "systemInstruction.parts.-1",
		map[string]string{"text": common.DoneInstruction})
	if err != nil {
		return payload
	}
	return out
}

// RunAntiTruncation streams a generation that must end with the done
// marker, reissuing continuation requests while the marker is missing.
// Events are forwarded as they arrive with the marker stripped, so the
// client sees one uninterrupted stream stitched across attempts. When
// every attempt ends without the marker the partial output stands and
// the stream closes normally; truncation is not an error.
func RunAntiTruncation(ctx context.Context, sw *Writer, send RequestFunc, payload []byte, maxAttempts int, convert Convert, errFormat apperrors.ErrorFormat) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	payload = InjectDoneInstruction(payload)

	var collected strings.Builder
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current := payload
		if attempt > 1 {
			current = buildContinuation(payload, collected.String())
			log.Infof("anti-truncation continuation attempt %d/%d, collected %d bytes",
				attempt, maxAttempts, collected.Len())
		}

		stream, err := send(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warnf("anti-truncation attempt %d failed", attempt)
			if attempt >= maxAttempts {
				if writeErr := sw.Error(err, errFormat); writeErr != nil {
					return writeErr
				}
				return sw.Done()
			}
			continue
		}

		found, attemptText, relayErr := relayAttempt(ctx, sw, stream, convert)
		collected.WriteString(attemptText)
		if relayErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(relayErr).Warnf("anti-truncation attempt %d stream broke", attempt)
			if attempt >= maxAttempts {
				if writeErr := sw.Error(relayErr, errFormat); writeErr != nil {
					return writeErr
				}
				return sw.Done()
			}
			continue
		}

		// The marker can straddle event boundaries, so re-check the
		// accumulated text after each attempt.
		if found || common.HasDoneMarker(collected.String()) {
			return sw.Done()
		}
	}

	log.Warnf("anti-truncation gave up after %d attempts without the done marker", maxAttempts)
	return sw.Done()
}

// relayAttempt forwards one upstream stream until it ends or the done
// marker shows up. It reports whether the marker was seen and the
// visible text accumulated from this attempt.
func relayAttempt(ctx context.Context, sw *Writer, stream io.ReadCloser, convert Convert) (bool, string, error) {
	defer stream.Close()

	sc := NewScanner(stream)
	var text strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return false, text.String(), err
		}

		data, done, err := sc.Next()
		if err != nil {
			return false, text.String(), err
		}
		if done {
			return false, text.String(), nil
		}

		event := upstream.UnwrapResponse(data)
		if !gjson.ValidBytes(event) {
			continue
		}

		chunkText := visibleText(event)
		text.WriteString(chunkText)

		found := chunkText != "" && common.HasDoneMarker(chunkText)
		out := event
		if found {
			out = stripDoneFromEvent(event)
		}
		if out != nil && convert != nil {
			out = convert(out)
		}
		if out != nil {
			if err := sw.Data(out); err != nil {
				return found, text.String(), err
			}
		}
		if found {
			return true, text.String(), nil
		}
	}
}

// buildContinuation extends the base conversation with the model's
// partial output and a user turn asking it to resume. The base payload
// is never mutated; every attempt rebuilds from the original turns.
func buildContinuation(base []byte, collected string) []byte {
	out := base
	var err error
	if collected != "" {
		out, err = sjson.SetBytes(out, "contents.-1", map[string]interface{}{
			"role":  "model",
			"parts": []map[string]string{{"text": collected}},
		})
		if err != nil {
			out = base
		}
	}
	prompt := common.ContinuationPrompt + common.ContinuationSummary(collected)
	appended, err := sjson.SetBytes(out, "contents.-1", map[string]interface{}{
		"role":  "user",
		"parts": []map[string]string{{"text": prompt}},
	})
	if err != nil {
		return out
	}
	return appended
}

// visibleText concatenates the candidate text a client would see.
// Thought parts are excluded: models echo the marker rule while
// reasoning, and that must not count as completion.
func visibleText(event []byte) string {
	var text strings.Builder
	for _, candidate := range gjson.GetBytes(event, "candidates").Array() {
		for _, part := range candidate.Get("content.parts").Array() {
			if part.Get("thought").Bool() {
				continue
			}
			if t := part.Get("text"); t.Exists() {
				text.WriteString(t.String())
			}
		}
	}
	return text.String()
}

// stripDoneFromEvent removes marker text from the event's visible
// parts. Parts left empty are dropped; a nil return means nothing
// visible remains and the event should not be sent.
func stripDoneFromEvent(event []byte) []byte {
	out := event
	changed := false
	for ci, candidate := range gjson.GetBytes(event, "candidates").Array() {
		parts := candidate.Get("content.parts").Array()
		for pi := len(parts) - 1; pi >= 0; pi-- {
			part := parts[pi]
			if part.Get("thought").Bool() {
				continue
			}
			t := part.Get("text")
			if !t.Exists() || !common.HasDoneMarker(t.String()) {
				continue
			}

			stripped := common.StripDoneMarker(t.String())
			path := fmt.Sprintf("candidates.%d.content.parts.%d", ci, pi)
			var err error
			if stripped == "" {
				out, err = sjson.DeleteBytes(out, path)
			} else {
				out, err = sjson.SetBytes(out, path+".text", stripped)
			}
			if err != nil {
				return event
			}
			changed = true
		}
	}
	if !changed {
		return event
	}

	for _, candidate := range gjson.GetBytes(out, "candidates").Array() {
		if len(candidate.Get("content.parts").Array()) > 0 {
			return out
		}
	}
	return nil
}
