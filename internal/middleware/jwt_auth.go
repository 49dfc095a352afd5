package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"github.com/mir00r/bluegreen/pkg/logger"
)

const operatorKey contextKey = "operator"

// JWTAuthMiddleware guards the switch admin API with HS256 bearer tokens.
type JWTAuthMiddleware struct {
	secret []byte
	issuer string
	logger *logger.Logger
}

// AdminClaims are the claims carried by an operator token.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// NewJWTAuthMiddleware returns nil when secret is empty, meaning auth is disabled.
func NewJWTAuthMiddleware(secret, issuer string, log *logger.Logger) *JWTAuthMiddleware {
	if secret == "" {
		return nil
	}
	return &JWTAuthMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		logger: log.MiddlewareLogger("jwt_auth"),
	}
}

// OperatorFromContext returns the subject of the validated token, if any.
func OperatorFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(operatorKey).(string)
	return sub
}

// JWTAuth returns the authentication middleware. A nil receiver passes requests through.
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jm == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				jm.reject(w, r, "token missing")
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.reject(w, r, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jm.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if jm.issuer != "" && !claims.VerifyIssuer(jm.issuer, true) {
		return nil, fmt.Errorf("invalid issuer")
	}

	return claims, nil
}

func (jm *JWTAuthMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	jm.logger.WithFields(map[string]interface{}{
		"reason": reason,
		"path":   r.URL.Path,
		"method": r.Method,
		"ip":     r.RemoteAddr,
	}).Warn("Admin authentication failed")

	appErr := apperrors.NewAuthenticationError(reason)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="bluegreen-admin"`)
	w.WriteHeader(appErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      appErr.Message,
		"code":       appErr.HTTPStatusCode(),
		"request_id": RequestIDFromContext(r.Context()),
		"timestamp":  appErr.Timestamp,
	})
}

// IssueToken signs an operator token. It is used by switchctl and tests.
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
