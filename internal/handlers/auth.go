package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Headers carrying the shared-secret signature.
const (
	SignatureHeader = "X-Salon-Signature"
	TimestampHeader = "X-Salon-Timestamp"
)

// maxTimestampSkew bounds how far a signed timestamp may drift from the
// server clock in either direction.
const maxTimestampSkew = 60 * time.Second

// Auth verifies the HMAC-SHA256 shared-secret signatures on the callback
// and admin endpoints. A failed signature is fatal to the request only.
type Auth struct {
	secret []byte
	logger *zap.Logger
	clock  func() time.Time
}

// NewAuth creates signature middleware around the shared secret.
func NewAuth(secret string, logger *zap.Logger) *Auth {
	return &Auth{
		secret: []byte(secret),
		logger: logger,
		clock:  time.Now,
	}
}

// RequireBodySignature verifies the signature header against the request
// body. The body is re-buffered for the wrapped handler.
func (a *Auth) RequireBodySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(SignatureHeader)
		if provided == "" {
			respondError(w, a.logger, http.StatusUnauthorized, "Missing signature header")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondError(w, a.logger, http.StatusBadRequest, "Failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !a.verify(provided, body) {
			a.logger.Warn("Rejected request with invalid body signature",
				zap.String("path", r.URL.Path),
			)
			respondError(w, a.logger, http.StatusForbidden, "Invalid signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireTimestampSignature verifies the signature header against the
// timestamp header, for endpoints without a body. The timestamp is Unix
// seconds and must be within the allowed skew of the server clock.
func (a *Auth) RequireTimestampSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(SignatureHeader)
		stamp := r.Header.Get(TimestampHeader)
		if provided == "" || stamp == "" {
			respondError(w, a.logger, http.StatusUnauthorized, "Missing signature header")
			return
		}

		if !a.verify(provided, []byte(stamp)) {
			a.logger.Warn("Rejected request with invalid timestamp signature",
				zap.String("path", r.URL.Path),
			)
			respondError(w, a.logger, http.StatusForbidden, "Invalid signature")
			return
		}

		seconds, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			respondError(w, a.logger, http.StatusForbidden, "Invalid timestamp")
			return
		}
		skew := a.clock().Sub(time.Unix(seconds, 0))
		if skew < -maxTimestampSkew || skew > maxTimestampSkew {
			respondError(w, a.logger, http.StatusForbidden, "Timestamp outside allowed skew")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) verify(provided string, payload []byte) bool {
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// Sign computes the hex signature for a payload. Exported for clients and
// tests constructing signed requests.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
