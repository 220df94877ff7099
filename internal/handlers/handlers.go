package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/auth"
	"github.com/example/photoverify/internal/depth"
	"github.com/example/photoverify/internal/logging"
	"github.com/example/photoverify/internal/queue"
	"github.com/example/photoverify/internal/signing"
	"github.com/example/photoverify/internal/usecase"
)

// MaxUploadSize is the largest accepted image, in bytes.
const MaxUploadSize = 10 << 20

// formOverhead leaves room for multipart framing and the small form fields.
const formOverhead = 1 << 20

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/heic": {},
	"image/webp": {},
}

// VerificationService is the use case surface served over HTTP.
type VerificationService interface {
	VerifyImage(ctx context.Context, userID string, req usecase.VerifyRequest) (*usecase.Verification, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.Verification, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// SigningService is the signing client surface served over HTTP.
type SigningService interface {
	SignResult(ctx context.Context, payload []byte) (*signing.SignatureResult, error)
	Verify(payload []byte, signatureHex string) error
	PublicKeyPEM() string
	Algorithm() string
	Stats() queue.Stats
}

// HealthCheck checks one dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options carries the optional collaborators of RegisterRoutes.
type Options struct {
	Signer SigningService
	Checks []HealthCheck
	Logger *zap.Logger
}

type signRequest struct {
	Payload string `json:"payload" binding:"required"`
}

type verifySignatureRequest struct {
	Payload   string `json:"payload" binding:"required"`
	Signature string `json:"signature" binding:"required,hexadecimal"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc VerificationService, authMiddleware gin.HandlerFunc, opts ...Options) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	h := &handler{uc: uc, signer: o.Signer, checks: o.Checks, logger: o.Logger.Named("http")}

	router.GET("/health", h.health)
	if h.signer != nil {
		router.GET("/signing/public-key", h.publicKey)
	}

	protected := router.Group("/")
	protected.Use(authMiddleware)
	protected.POST("/verify", h.verify)
	protected.GET("/result/:id", h.result)
	protected.GET("/duplicates/:id", h.duplicates)
	protected.GET("/metrics", h.metrics)
	if h.signer != nil {
		protected.POST("/sign", h.sign)
		protected.POST("/signing/verify", h.verifySignature)
	}
}

type handler struct {
	uc     VerificationService
	signer SigningService
	checks []HealthCheck
	logger *zap.Logger
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[check.Name] = err.Error()
			continue
		}
		deps[check.Name] = "ok"
	}
	body := gin.H{"status": "ok"}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	c.JSON(status, body)
}

func (h *handler) verify(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}
	if !allowedImageType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return
	}

	var frame *depth.Frame
	if raw := strings.TrimSpace(c.PostForm("depth")); raw != "" {
		frame = &depth.Frame{}
		if err := json.Unmarshal([]byte(raw), frame); err != nil {
			h.writeError(c, apperr.Validation("depth", "depth must be a JSON depth frame"))
			return
		}
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	v, err := h.uc.VerifyImage(c.Request.Context(), userID, usecase.VerifyRequest{
		Image:            data,
		Depth:            frame,
		ExpectedDeviceID: strings.TrimSpace(c.PostForm("expected_device_id")),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *handler) result(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	v, err := h.uc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handler) duplicates(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	report, err := h.uc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	body := gin.H{"verifications": summary}
	if h.signer != nil {
		stats := h.signer.Stats()
		body["signing_queue"] = gin.H{
			"enqueued":  stats.Enqueued,
			"succeeded": stats.Succeeded,
			"retried":   stats.Retried,
			"failed":    stats.Failed,
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("payload", "payload is required"))
		return
	}
	res, err := h.signer.SignResult(c.Request.Context(), []byte(req.Payload))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"digest":    res.Digest,
		"signature": res.SignatureHex,
		"algorithm": h.signer.Algorithm(),
	})
}

func (h *handler) verifySignature(c *gin.Context) {
	var req verifySignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation("signature", "payload and hex signature are required"))
		return
	}
	if err := h.signer.Verify([]byte(req.Payload), req.Signature); err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *handler) publicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"algorithm":  h.signer.Algorithm(),
		"public_key": h.signer.PublicKeyPEM(),
	})
}

func (h *handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signing.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signing is shutting down"})
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request cancelled"})
		return
	}

	appErr, ok := apperr.As(err)
	if !ok {
		h.logger.Error("request failed", logging.ErrorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": appErr.Message(), "kind": appErr.Kind().String()}
	if field := appErr.Field(); field != "" {
		body["field"] = field
	}
	status := apperr.HTTPStatus(appErr.Kind())
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", logging.ErrorFields(err)...)
	}
	c.JSON(status, body)
}

func allowedImageType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	_, ok := allowedImageTypes[strings.ToLower(mediaType)]
	return ok
}
