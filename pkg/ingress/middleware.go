package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tms-tools/ticket-archiver/pkg/config"
	"github.com/tms-tools/ticket-archiver/pkg/metrics"
)

const (
	// RequestIDHeader carries the caller's correlation id.
	RequestIDHeader = "X-Request-Id"
	// DeliveryIDHeader carries the webhook delivery id used for dedup.
	DeliveryIDHeader = "X-Delivery-Id"
	// SignatureHeader carries the webhook HMAC signature.
	SignatureHeader = "X-Hub-Signature"
)

var requestIDRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request id stamped by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// RequestID accepts a well-formed X-Request-Id or mints a fresh one, and
// reflects it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !requestIDRe.MatchString(requestID) {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BodyLimit rejects oversized requests: an advisory Content-Length above
// the cap short-circuits with 413, and the body reader is capped so lying
// clients hit the same limit while streaming.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				if r.ContentLength > maxBytes {
					metrics.WebhookRejected.WithLabelValues("request_too_large").Inc()
					writeError(w, http.StatusRequestEntityTooLarge, "request_too_large")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	cfg      config.RateLimitConfig
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewRateLimiter builds a limiter from the hardening config.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// clientKey identifies the caller: a configured trusted header when set,
// the direct peer address otherwise.
func (rl *RateLimiter) clientKey(r *http.Request) string {
	if rl.cfg.ClientKeyHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(rl.cfg.ClientKeyHeader)); v != "" {
			// Take the first entry of a proxy chain.
			if idx := strings.IndexByte(v, ','); idx >= 0 {
				v = strings.TrimSpace(v[:idx])
			}
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)
		rl.limiters[key] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// Middleware enforces the per-client rate limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(rl.clientKey(r)) {
			metrics.WebhookRejected.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WebhookAuth verifies the HMAC signature on ingest requests and enforces
// the optional delivery-id requirement. Other paths pass through.
type WebhookAuth struct {
	secret            []byte
	allowUnsigned     bool
	requireDeliveryID bool
}

// NewWebhookAuth builds the verifier from the TMS and hardening config.
func NewWebhookAuth(secret config.Secret, webhook config.WebhookHardeningConfig) *WebhookAuth {
	var secretBytes []byte
	if secret.IsSet() {
		secretBytes = []byte(secret.Value())
	}
	return &WebhookAuth{
		secret:            secretBytes,
		allowUnsigned:     webhook.AllowUnsigned,
		requireDeliveryID: webhook.RequireDeliveryID,
	}
}

func isIngestPath(r *http.Request) bool {
	return r.Method == http.MethodPost &&
		(r.URL.Path == "/ingest" || r.URL.Path == "/ingest/batch")
}

// Middleware applies the webhook checks to ingest paths only.
func (a *WebhookAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isIngestPath(r) {
			next.ServeHTTP(w, r)
			return
		}

		// Signature first, delivery-id second: an unauthenticated caller
		// learns nothing about the header requirements.
		if len(a.secret) == 0 {
			if !a.allowUnsigned {
				// Fail closed: a webhook endpoint without auth is a footgun.
				metrics.WebhookRejected.WithLabelValues("auth_not_configured").Inc()
				writeError(w, http.StatusServiceUnavailable, "webhook_auth_not_configured")
				return
			}
		} else {
			expectedMAC, ok := a.parseSignature(r.Header.Get(SignatureHeader))
			if !ok {
				// Drain so the client can reuse the connection.
				_, _ = io.Copy(io.Discard, r.Body)
				metrics.WebhookRejected.WithLabelValues("bad_signature").Inc()
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					metrics.WebhookRejected.WithLabelValues("request_too_large").Inc()
					writeError(w, http.StatusRequestEntityTooLarge, "request_too_large")
					return
				}
				// Partial bodies are never trusted.
				metrics.WebhookRejected.WithLabelValues("body_read_failed").Inc()
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			mac := hmac.New(expectedMAC.algo, a.secret)
			mac.Write(body)
			if !hmac.Equal(mac.Sum(nil), expectedMAC.digest) {
				metrics.WebhookRejected.WithLabelValues("bad_signature").Inc()
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		if a.requireDeliveryID && strings.TrimSpace(r.Header.Get(DeliveryIDHeader)) == "" {
			metrics.WebhookRejected.WithLabelValues("missing_delivery_id").Inc()
			writeError(w, http.StatusBadRequest, "missing_delivery_id")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type parsedSignature struct {
	algo   func() hash.Hash
	digest []byte
}

// parseSignature accepts "sha1=<hex>" or "sha256=<hex>" with a digest of
// the exact length for the declared algorithm.
func (a *WebhookAuth) parseSignature(value string) (parsedSignature, bool) {
	algoName, hexDigest, found := strings.Cut(strings.TrimSpace(value), "=")
	if !found {
		return parsedSignature{}, false
	}

	var algo func() hash.Hash
	var size int
	switch strings.ToLower(algoName) {
	case "sha1":
		algo, size = sha1.New, sha1.Size
	case "sha256":
		algo, size = sha256.New, sha256.Size
	default:
		return parsedSignature{}, false
	}

	digest, err := hex.DecodeString(strings.TrimSpace(hexDigest))
	if err != nil || len(digest) != size {
		return parsedSignature{}, false
	}
	return parsedSignature{algo: algo, digest: digest}, true
}
