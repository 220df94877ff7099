package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "authUserID"

// Config describes the HMAC tokens accepted by the API. Audience and Issuer
// are only enforced when set.
type Config struct {
	Secret   string
	Audience string
	Issuer   string
	Leeway   time.Duration
}

func (c Config) normalised() Config {
	c.Secret = strings.TrimSpace(c.Secret)
	c.Audience = strings.TrimSpace(c.Audience)
	c.Issuer = strings.TrimSpace(c.Issuer)
	return c
}

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithUserID returns a context carrying subject, as the middleware does.
func WithUserID(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, userIDKey, subject)
}

// JWTMiddleware validates bearer tokens and injects user identity.
func JWTMiddleware(cfg Config) gin.HandlerFunc {
	cfg = cfg.normalised()
	parser := newParser(cfg)

	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		if cfg.Secret == "" {
			unauthorized(c, "missing JWT secret")
			return
		}

		subject, err := parseSubject(parser, cfg.Secret, tokenString)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), subject))
		c.Set(string(userIDKey), subject)

		c.Next()
	}
}

func newParser(cfg Config) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return jwt.NewParser(opts...)
}

func parseSubject(parser *jwt.Parser, secret, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "", errors.New("invalid audience")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "", errors.New("invalid issuer")
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errors.New("token expired")
	case err != nil || !token.Valid:
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// IssueToken mints an HS256 token for subject that JWTMiddleware(cfg)
// accepts until ttl elapses.
func IssueToken(cfg Config, subject string, ttl time.Duration) (string, error) {
	cfg = cfg.normalised()
	if cfg.Secret == "" {
		return "", errors.New("missing JWT secret")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("missing subject")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
