package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newRouter(cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTMiddleware(cfg), func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, userID)
	})
	return router
}

func call(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestIssuedTokenIsAccepted(t *testing.T) {
	cfg := Config{Secret: "s3cret", Audience: "photoverify", Issuer: "photoverify-cli"}
	token, err := IssueToken(cfg, "user-42", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	resp := call(newRouter(cfg), "Bearer "+token)
	if resp.Code != http.StatusOK || resp.Body.String() != "user-42" {
		t.Fatalf("expected user-42, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestRejectsBadTokens(t *testing.T) {
	cfg := Config{Secret: "s3cret", Audience: "photoverify"}
	router := newRouter(cfg)

	wrongAudience, _ := IssueToken(Config{Secret: "s3cret", Audience: "other"}, "u", time.Hour)
	wrongSecret, _ := IssueToken(Config{Secret: "nope", Audience: "photoverify"}, "u", time.Hour)
	expired, _ := IssueToken(cfg, "u", -time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"missing header":  "",
		"not bearer":      "Basic abc",
		"empty token":     "Bearer ",
		"wrong audience":  "Bearer " + wrongAudience,
		"wrong secret":    "Bearer " + wrongSecret,
		"expired":         "Bearer " + expired,
		"unsigned (none)": "Bearer " + none,
	}
	for name, header := range cases {
		if resp := call(router, header); resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestIssuerIsEnforcedWhenConfigured(t *testing.T) {
	cfg := Config{Secret: "s3cret", Issuer: "photoverify"}
	token, _ := IssueToken(Config{Secret: "s3cret", Issuer: "someone-else"}, "u", time.Hour)
	if resp := call(newRouter(cfg), "Bearer "+token); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestIssueTokenValidatesInput(t *testing.T) {
	if _, err := IssueToken(Config{}, "u", time.Hour); err == nil {
		t.Fatal("expected missing secret to fail")
	}
	if _, err := IssueToken(Config{Secret: "s"}, " ", time.Hour); err == nil {
		t.Fatal("expected missing subject to fail")
	}
}
