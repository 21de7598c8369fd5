package gemini

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
	"gcliproxy/internal/middleware"
	"gcliproxy/internal/monitoring"
	"gcliproxy/internal/streaming"
	"gcliproxy/internal/translator"
	"gcliproxy/internal/upstream"
)

// Generate handles :generateContent and :streamGenerateContent. The
// model name in the URL carries the feature markers; the body is a
// native Gemini request.
func (h *Handler) Generate(c *gin.Context, model string, stream bool) {
	raw, apiErr := common.ReadBody(c)
	if apiErr != nil {
		common.WriteError(c, apiErr, apperrors.FormatGemini)
		return
	}

	env, err := translator.ParseGemini(model, stream, raw)
	if err != nil {
		common.WriteError(c, err, apperrors.FormatGemini)
		return
	}
	middleware.SetModel(c, env.Model)

	if env.HealthCheck {
		c.Data(http.StatusOK, "application/json", translator.GeminiHealthResponse())
		return
	}

	if !stream {
		h.serveBuffered(c, env)
		return
	}

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

func (h *Handler) serveBuffered(c *gin.Context, env *translator.Envelope) {
	result, err := h.dispatcher.Dispatch(c.Request.Context(), upstream.Request{
		Action:  upstream.ActionGenerate,
		Model:   env.Variant.BaseModel,
		Payload: env.Payload,
	})
	if err != nil {
		common.WriteError(c, err, apperrors.FormatGemini)
		return
	}
	prompt, candidates := translator.UsageTokens(result.Body)
	h.record(result.CredentialID, env.Model, true, prompt, candidates)
	c.Data(http.StatusOK, "application/json", result.Body)
}

func (h *Handler) streamNative(c *gin.Context, env *translator.Envelope) {
	result, err := h.dispatcher.Dispatch(c.Request.Context(), upstream.Request{
		Action:  upstream.ActionStreamGenerate,
		Model:   env.Variant.BaseModel,
		Payload: env.Payload,
	})
	if err != nil {
		common.WriteError(c, err, apperrors.FormatGemini)
		return
	}
	defer result.Stream.Close()
	h.record(result.CredentialID, env.Model, true, 0, 0)

	common.SSEHeaders(c)
	sw := streaming.NewWriter(c.Writer)
	if err := streaming.ForwardGemini(c.Request.Context(), sw, result.Stream); err != nil &&
		c.Request.Context().Err() == nil {
		log.WithError(err).Warn("stream forwarding ended early")
	}
}

func (h *Handler) streamPseudo(c *gin.Context, env *translator.Envelope) {
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

	common.SSEHeaders(c)
	sw := streaming.NewWriter(c.Writer)
	if err := streaming.RunAntiTruncation(c.Request.Context(), sw, send, env.Payload, maxAttempts, nil, apperrors.FormatGemini); err != nil &&
		c.Request.Context().Err() == nil {
		log.WithError(err).Warn("anti-truncation stream ended early")
	}
}
