package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"repocapture/internal/models"
)

// APIAuth validates the Token header (or a bearer token) against the operator API key.
func APIAuth(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Request().Header.Get("Token")
			if token == "" {
				token = strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			}
			if token == "" {
				return c.JSON(http.StatusUnauthorized, models.APIResponse{Status: false, Msg: "Token is required"})
			}
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				return c.JSON(http.StatusUnauthorized, models.APIResponse{Status: false, Msg: "Invalid token"})
			}
			return next(c)
		}
	}
}

// APILogger logs one line per API request.
func APILogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("API request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", c.RealIP()))
			return nil
		}
	}
}

// MaxWebhookBody is the largest delivery GitHub sends.
const MaxWebhookBody = 25 << 20

// GitHubSignature rejects webhook deliveries whose X-Hub-Signature-256 does not
// match the HMAC-SHA256 of the body. An empty secret disables the check. Bodies
// over MaxWebhookBody are refused before they are buffered.
func GitHubSignature(secret string) echo.MiddlewareFunc {
	return githubSignature(secret, MaxWebhookBody)
}

func githubSignature(secret string, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			var body []byte
			if req.Body != nil {
				raw, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
				if err != nil {
					return c.NoContent(http.StatusBadRequest)
				}
				if int64(len(raw)) > limit {
					return c.JSON(http.StatusRequestEntityTooLarge, models.APIResponse{Status: false, Msg: "Payload too large"})
				}
				body = raw
			}
			req.Body = io.NopCloser(bytes.NewBuffer(body))

			if secret == "" {
				return next(c)
			}
			if !ValidSignature(secret, req.Header.Get("X-Hub-Signature-256"), body) {
				return c.JSON(http.StatusUnauthorized, models.APIResponse{Status: false, Msg: "Invalid signature"})
			}
			return next(c)
		}
	}
}

// ValidSignature checks a "sha256=<hex>" signature header against body.
func ValidSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// CORS configures CORS headers.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("Access-Control-Allow-Origin", "*")
			c.Response().Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Response().Header().Set("Access-Control-Allow-Headers", "Content-Type, Token, Authorization")
			if c.Request().Method == "OPTIONS" {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
