package openai

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
	"gcliproxy/internal/middleware"
	"gcliproxy/internal/monitoring"
	"gcliproxy/internal/streaming"
	"gcliproxy/internal/translator"
	"gcliproxy/internal/upstream"
)

// ChatCompletions handles POST /v1/chat/completions. The body may be
// OpenAI-shaped or Gemini-shaped; the response always matches the shape
// the client sent.
func (h *Handler) ChatCompletions(c *gin.Context) {
	raw, apiErr := common.ReadBody(c)
	if apiErr != nil {
		common.WriteError(c, apiErr, apperrors.FormatOpenAI)
		return
	}

	env, err := translator.ParseAny(raw)
	if err != nil {
		common.WriteError(c, err, apperrors.FormatOpenAI)
		return
	}
	middleware.SetModel(c, env.Model)

	if env.HealthCheck {
		h.answerHealthCheck(c, env)
		return
	}

	if env.Stream {
		h.serveStream(c, env)
		return
	}
	h.serveBuffered(c, env)
}

// answerHealthCheck short-circuits the canned liveness prompt without
// spending upstream quota.
func (h *Handler) answerHealthCheck(c *gin.Context, env *translator.Envelope) {
	if env.Format == translator.FormatGemini {
		c.Data(http.StatusOK, "application/json", translator.GeminiHealthResponse())
		return
	}
	c.Data(http.StatusOK, "application/json", translator.OpenAIHealthResponse())
}

// serveBuffered runs a non-stream generation and renders it in the
// caller's format.
func (h *Handler) serveBuffered(c *gin.Context, env *translator.Envelope) {
	result, err := h.dispatcher.Dispatch(c.Request.Context(), upstream.Request{
		Action:  upstream.ActionGenerate,
		Model:   env.Variant.BaseModel,
		Payload: env.Payload,
	})
	if err != nil {
		common.WriteError(c, err, env.ErrorFormat())
		return
	}

	prompt, candidates := translator.UsageTokens(result.Body)
	h.record(result.CredentialID, env.Model, true, prompt, candidates)

	if env.Format == translator.FormatGemini {
		c.Data(http.StatusOK, "application/json", result.Body)
		return
	}
	c.Data(http.StatusOK, "application/json", translator.GeminiToOpenAIResponse(result.Body, env.Model))
}

// serveStream picks the delivery mode the variant asks for: genuine
// upstream streaming, pseudo-streaming from a buffered call, or the
// anti-truncation continuation loop.
func (h *Handler) serveStream(c *gin.Context, env *translator.Envelope) {
	cfg := h.cfg()
	switch {
	case env.Variant.AntiTruncation:
		monitoring.StreamingRequestsTotal.WithLabelValues("anti_truncation").Inc()
		h.streamAntiTruncation(c, env, cfg.AntiTruncation.MaxAttempts)
	case env.Variant.PseudoStream || cfg.Streaming.ForcePseudo:
		monitoring.StreamingRequestsTotal.WithLabelValues("pseudo").Inc()
		h.streamPseudo(c, env)
	default:
		monitoring.StreamingRequestsTotal.WithLabelValues("native").Inc()
		h.streamNative(c, env)
	}
}

func (h *Handler) streamNative(c *gin.Context, env *translator.Envelope) {
	result, err := h.dispatcher.Dispatch(c.Request.Context(), upstream.Request{
		Action:  upstream.ActionStreamGenerate,
		Model:   env.Variant.BaseModel,
		Payload: env.Payload,
	})
	if err != nil {
		common.WriteError(c, err, env.ErrorFormat())
		return
	}
	defer result.Stream.Close()
	h.record(result.CredentialID, env.Model, true, 0, 0)

	common.SSEHeaders(c)
	sw := streaming.NewWriter(c.Writer)
	if env.Format == translator.FormatGemini {
		err = streaming.ForwardGemini(c.Request.Context(), sw, result.Stream)
	} else {
		err = streaming.ForwardOpenAI(c.Request.Context(), sw, result.Stream, env.Model)
	}
	if err != nil && c.Request.Context().Err() == nil {
		log.WithError(err).Warn("stream forwarding ended early")
	}
}

func (h *Handler) streamPseudo(c *gin.Context, env *translator.Envelope) {
	if env.Format == translator.FormatGemini {
		common.SSEHeaders(c)
		sw := streaming.NewWriter(c.Writer)
		err := streaming.PseudoGemini(c.Request.Context(), sw, func(ctx context.Context) ([]byte, error) {
			result, err := h.dispatcher.Dispatch(ctx, upstream.Request{
				Action:  upstream.ActionGenerate,
				Model:   env.Variant.BaseModel,
				Payload: env.Payload,
			})
			if err != nil {
				return nil, err
			}
			prompt, candidates := translator.UsageTokens(result.Body)
			h.record(result.CredentialID, env.Model, true, prompt, candidates)
			return result.Body, nil
		})
		if err != nil && c.Request.Context().Err() == nil {
			log.WithError(err).Warn("pseudo stream ended early")
		}
		return
	}

	// OpenAI shape: the buffered call happens before headers go out so
	// pre-stream failures still map to proper HTTP statuses.
	result, err := h.dispatcher.Dispatch(c.Request.Context(), upstream.Request{
		Action:  upstream.ActionGenerate,
		Model:   env.Variant.BaseModel,
		Payload: env.Payload,
	})
	if err != nil {
		common.WriteError(c, err, env.ErrorFormat())
		return
	}
	prompt, candidates := translator.UsageTokens(result.Body)
	h.record(result.CredentialID, env.Model, true, prompt, candidates)

	completion := translator.GeminiToOpenAIResponse(result.Body, env.Model)
	common.SSEHeaders(c)
	sw := streaming.NewWriter(c.Writer)
	if err := streaming.PseudoOpenAI(c.Request.Context(), sw, completion, env.Model, h.cfg().Streaming); err != nil &&
		c.Request.Context().Err() == nil {
		log.WithError(err).Warn("pseudo stream ended early")
	}
}

func (h *Handler) streamAntiTruncation(c *gin.Context, env *translator.Envelope, maxAttempts int) {
	attempts := 0
	send := func(ctx context.Context, payload []byte) (io.ReadCloser, error) {
		attempts++
		if attempts > 1 {
			monitoring.AntiTruncationRetriesTotal.WithLabelValues(env.Variant.BaseModel).Inc()
		}
		result, err := h.dispatcher.Dispatch(ctx, upstream.Request{
			Action:  upstream.ActionStreamGenerate,
			Model:   env.Variant.BaseModel,
			Payload: payload,
		})
		if err != nil {
			return nil, err
		}
		h.record(result.CredentialID, env.Model, true, 0, 0)
		return result.Stream, nil
	}

	var convert streaming.Convert
	if env.Format == translator.FormatOpenAI {
		responseID := "chatcmpl-" + uuid.NewString()
		convert = func(event []byte) []byte {
			return translator.GeminiToOpenAIChunk(event, env.Model, responseID)
		}
	}

	common.SSEHeaders(c)
	sw := streaming.NewWriter(c.Writer)
	if err := streaming.RunAntiTruncation(c.Request.Context(), sw, send, env.Payload, maxAttempts, convert, env.ErrorFormat()); err != nil &&
		c.Request.Context().Err() == nil {
		log.WithError(err).Warn("anti-truncation stream ended early")
	}
}
