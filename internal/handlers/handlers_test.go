package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/auth"
	"github.com/example/photoverify/internal/queue"
	"github.com/example/photoverify/internal/signing"
	"github.com/example/photoverify/internal/usecase"
	"github.com/example/photoverify/internal/verification"
)

const testJWTSecret = "test-secret"

type stubService struct {
	verifyReqs   []usecase.VerifyRequest
	verifyUsers  []string
	verifyResult *usecase.Verification
	verifyErr    error
	resultErr    error
	metrics      *usecase.MetricsSummary
}

func (s *stubService) VerifyImage(ctx context.Context, userID string, req usecase.VerifyRequest) (*usecase.Verification, error) {
	s.verifyUsers = append(s.verifyUsers, userID)
	s.verifyReqs = append(s.verifyReqs, req)
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return s.verifyResult, nil
}

func (s *stubService) GetResult(ctx context.Context, userID, requestID string) (*usecase.Verification, error) {
	if s.resultErr != nil {
		return nil, s.resultErr
	}
	return &usecase.Verification{RequestID: requestID, UserID: userID, Verdict: verification.VerdictReview}, nil
}

func (s *stubService) GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error) {
	return &usecase.DuplicateReport{Request: &usecase.Verification{RequestID: requestID}}, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	if s.metrics == nil {
		return &usecase.MetricsSummary{}, nil
	}
	return s.metrics, nil
}

type stubSigner struct {
	err error
}

func (s *stubSigner) SignResult(ctx context.Context, payload []byte) (*signing.SignatureResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &signing.SignatureResult{Digest: "dd", SignatureHex: "5151"}, nil
}

func (s *stubSigner) Verify(payload []byte, signatureHex string) error {
	if signatureHex != "5151" {
		return apperr.Validation("signature", "signature does not match payload")
	}
	return nil
}

func (s *stubSigner) PublicKeyPEM() string { return "-----BEGIN PUBLIC KEY-----" }
func (s *stubSigner) Algorithm() string    { return "ECDSA-P-256" }
func (s *stubSigner) Stats() queue.Stats   { return queue.Stats{Enqueued: 3, Succeeded: 2, Failed: 1} }

func newTestRouter(svc VerificationService, opts ...Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(auth.Config{Secret: testJWTSecret}), opts...)
	return router
}

func TestVerifyRejectsLargeUpload(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)

	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if len(svc.verifyReqs) != 0 {
		t.Fatal("expected use case not to be called")
	}
}

func TestVerifyRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubService{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), nil)

	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestVerifyPassesSideInputsToUseCase(t *testing.T) {
	svc := &stubService{verifyResult: &usecase.Verification{RequestID: "req-1", Verdict: verification.VerdictPass}}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "image/jpeg", []byte("jpeg"), map[string]string{
		"depth":              `{"width":2,"height":1,"values":[1,2]}`,
		"expected_device_id": "Pixel 8",
	})
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.verifyUsers[0] != "user-123" {
		t.Fatalf("expected token subject to be used, got %s", svc.verifyUsers[0])
	}
	got := svc.verifyReqs[0]
	if string(got.Image) != "jpeg" || got.ExpectedDeviceID != "Pixel 8" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Depth == nil || got.Depth.Width != 2 || len(got.Depth.Values) != 2 {
		t.Fatalf("unexpected depth frame %+v", got.Depth)
	}
	var out usecase.Verification
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil || out.Verdict != verification.VerdictPass {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestVerifyRejectsMalformedDepth(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "image/webp", []byte("webp"), map[string]string{"depth": "{not json"})
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"field":"depth"`) {
		t.Fatalf("expected depth field in body, got %s", resp.Body.String())
	}
}

func TestVerifyMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("image", "image buffer is empty"), http.StatusBadRequest},
		{apperr.MetadataExtraction(errors.New("no exif")), http.StatusUnprocessableEntity},
		{errors.New("database on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		router := newTestRouter(&stubService{verifyErr: tc.err})
		body, contentType := buildMultipartBody(t, "image/heic", []byte("heic"), nil)
		req := httptest.NewRequest(http.MethodPost, "/verify", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, resp.Code)
		}
		if tc.want == http.StatusInternalServerError && strings.Contains(resp.Body.String(), "fire") {
			t.Fatalf("expected internal error details to be hidden, got %s", resp.Body.String())
		}
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	router := newTestRouter(&stubService{})
	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), nil)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestResultNotFound(t *testing.T) {
	router := newTestRouter(&stubService{resultErr: apperr.New(apperr.KindNotFound, "verification not found")})
	req := httptest.NewRequest(http.MethodGet, "/result/missing", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSigningRoutes(t *testing.T) {
	router := newTestRouter(&stubService{}, Options{Signer: &stubSigner{}})
	token := "Bearer " + buildTestToken(t, "user-123")

	req := httptest.NewRequest(http.MethodPost, "/sign", strings.NewReader(`{"payload":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"signature":"5151"`) {
		t.Fatalf("unexpected sign response %d %s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/sign", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty payload, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/signing/verify", strings.NewReader(`{"payload":"hello","signature":"ab"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"valid":false`) {
		t.Fatalf("unexpected verify response %d %s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/signing/public-key", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "ECDSA-P-256") {
		t.Fatalf("unexpected public key response %d %s", resp.Code, resp.Body.String())
	}
}

func TestSignFailureMapsToBadGateway(t *testing.T) {
	signer := &stubSigner{err: apperr.SigningFailed(errors.New("retries exhausted"))}
	router := newTestRouter(&stubService{}, Options{Signer: signer})

	req := httptest.NewRequest(http.MethodPost, "/sign", strings.NewReader(`{"payload":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
}

func TestMetricsIncludeSigningQueue(t *testing.T) {
	router := newTestRouter(&stubService{metrics: &usecase.MetricsSummary{TotalRequests: 7}}, Options{Signer: &stubSigner{}})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var body struct {
		Verifications usecase.MetricsSummary `json:"verifications"`
		SigningQueue  map[string]uint64      `json:"signing_queue"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Verifications.TotalRequests != 7 || body.SigningQueue["failed"] != 1 {
		t.Fatalf("unexpected metrics %+v", body)
	}
}

func TestHealthReportsDegradedDependencies(t *testing.T) {
	checks := []HealthCheck{
		{Name: "postgres", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	}
	router := newTestRouter(&stubService{}, Options{Checks: checks})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusServiceUnavailable || !strings.Contains(resp.Body.String(), "degraded") {
		t.Fatalf("unexpected health response %d %s", resp.Code, resp.Body.String())
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
