// Package handler exposes the HTTP surface of the bridge and wires the
// account pool, translators, and executor together per request.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/rom1kus/opencode-antigravity-auth/internal/account"
	"github.com/rom1kus/opencode-antigravity-auth/internal/cache"
	"github.com/rom1kus/opencode-antigravity-auth/internal/registry"
	"github.com/rom1kus/opencode-antigravity-auth/internal/runtime/executor"
	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/from_ir"
	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/ir"
	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/stream"
	"github.com/rom1kus/opencode-antigravity-auth/internal/translator/to_ir"
)

// Handler carries the process-wide collaborators. sessionID is generated
// once at startup and attached to every outgoing request; it also scopes the
// signature cache.
type Handler struct {
	pool       *account.Pool
	exec       *executor.Executor
	signatures *cache.SignatureCache
	sessionID  string
}

// New builds the handler.
func New(pool *account.Pool, exec *executor.Executor, signatures *cache.SignatureCache) *Handler {
	return &Handler{
		pool:       pool,
		exec:       exec,
		signatures: signatures,
		sessionID:  "-" + ir.GenerateUUID(),
	}
}

// Register mounts the routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/v1/models", h.models)
	r.POST("/v1/messages", h.messages)
	r.POST("/v1/messages/count_tokens", h.countTokens)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": h.pool.Len()})
}

func (h *Handler) models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": registry.Models()})
}

func (h *Handler) messages(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("read request: %w", err))
		return
	}

	req, err := to_ir.ParseClaudeRequest(raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	spec, keyRef := h.buildSpec(req)

	if req.Stream {
		h.streamMessages(c, req, spec, keyRef)
		return
	}

	chunks, err := h.exec.ExecuteStream(c.Request.Context(), spec)
	if err != nil {
		h.writeUpstreamError(c, req, err)
		return
	}

	tr := stream.NewTransformer(h.signatures, *keyRef)
	var transformed [][]byte
	for chunk := range chunks {
		if chunk.Err != nil {
			h.writeUpstreamError(c, req, chunk.Err)
			return
		}
		if payload, ok := tr.TransformChunk(chunk.Payload); ok {
			transformed = append(transformed, payload)
		}
	}
	c.Data(http.StatusOK, "application/json", stream.Aggregate(transformed))
}

func (h *Handler) streamMessages(c *gin.Context, req *ir.UnifiedRequest, spec executor.RequestSpec, keyRef *cache.Key) {
	chunks, err := h.exec.ExecuteStream(c.Request.Context(), spec)
	if err != nil {
		h.writeUpstreamError(c, req, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	tr := stream.NewTransformer(h.signatures, *keyRef)
	for chunk := range chunks {
		if chunk.Err != nil {
			// Stream already started: surface the error in-band, keeping
			// whatever was delivered.
			fmt.Fprintf(c.Writer, "data: %s\n\n", streamErrorPayload(chunk.Err))
			c.Writer.Flush()
			return
		}
		payload, ok := tr.TransformChunk(chunk.Payload)
		if !ok {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		c.Writer.Flush()
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// buildSpec assembles the executor request. The signature cache key depends
// on the project id of the selected account, so it is finalized inside the
// Build callback and shared with the stream transformer through keyRef.
func (h *Handler) buildSpec(req *ir.UnifiedRequest) (executor.RequestSpec, *cache.Key) {
	conversationKey := to_ir.DeriveConversationKey(req)
	keyRef := &cache.Key{
		SessionID:       h.sessionID,
		ModelID:         req.Model,
		ConversationKey: conversationKey,
	}

	beta := ""
	if from_ir.NeedsInterleavedBeta(req) {
		beta = from_ir.InterleavedThinkingBeta
	}

	spec := executor.RequestSpec{
		Model:  req.Model,
		Family: registry.ModelFamily(req.Model),
		Beta:   beta,
		Build: func(project string) ([]byte, error) {
			keyRef.ProjectKey = project
			filtered := *req
			filtered.Messages = to_ir.FilterThinkingBlocks(req.Messages, h.signatures, *keyRef)
			return from_ir.BuildAntigravityRequest(&filtered, from_ir.BuildOptions{
				Project:   project,
				SessionID: h.sessionID,
				Cache:     h.signatures,
				CacheKey:  *keyRef,
			})
		},
	}
	return spec, keyRef
}

func (h *Handler) countTokens(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("read request: %w", err))
		return
	}

	req, err := to_ir.ParseClaudeRequest(raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	spec, _ := h.buildSpec(req)
	body, err := h.exec.CountTokens(c.Request.Context(), spec)
	if err == nil {
		total := gjson.GetBytes(body, "totalTokens")
		if !total.Exists() {
			total = gjson.GetBytes(body, "response.totalTokens")
		}
		if total.Exists() {
			c.JSON(http.StatusOK, gin.H{"input_tokens": total.Int()})
			return
		}
	}

	// Backend counter unavailable; fall back to a local estimate.
	log.WithError(err).WithField("model", req.Model).Debug("count tokens upstream failed, using local estimate")
	tokens, errEst := EstimateTokens(req)
	if errEst != nil {
		writeError(c, http.StatusInternalServerError, errEst)
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": tokens})
}

// writeUpstreamError maps pool and upstream failures onto client responses:
// 429 gains Retry-After plus a millisecond-precision reset header, auth
// failures map to 401, everything else keeps its upstream status.
func (h *Handler) writeUpstreamError(c *gin.Context, req *ir.UnifiedRequest, err error) {
	var rateLimited *account.RateLimitError
	if errors.As(err, &rateLimited) {
		retryAfter := rateLimited.RetryAfter()
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		c.Header("X-RateLimit-Reset-After-Ms", strconv.FormatInt(retryAfter.Milliseconds(), 10))
		writeError(c, http.StatusTooManyRequests, err)
		return
	}

	var authErr *account.AuthError
	if errors.As(err, &authErr) {
		writeError(c, http.StatusUnauthorized, err)
		return
	}

	status := http.StatusBadGateway
	var coded interface {
		StatusCode() int
		RetryAfterHint() *time.Duration
	}
	if errors.As(err, &coded) {
		status = coded.StatusCode()
		if hint := coded.RetryAfterHint(); hint != nil {
			c.Header("Retry-After", strconv.Itoa(int(hint.Seconds())))
			c.Header("X-RateLimit-Reset-After-Ms", strconv.FormatInt(hint.Milliseconds(), 10))
		}
	}

	log.WithFields(log.Fields{"model": req.Model, "status": status}).WithError(err).Error("request failed")
	writeError(c, status, err)
}

// streamErrorPayload renders an in-band stream error as a JSON object. The
// message goes through the JSON encoder because Go's %q escaping is not
// valid JSON for non-printable bytes.
func streamErrorPayload(err error) []byte {
	msg, encErr := json.Marshal(err.Error())
	if encErr != nil {
		msg = []byte(`"stream error"`)
	}
	return []byte(`{"error":` + string(msg) + `}`)
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType(status),
			"message": err.Error(),
		},
	})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}
