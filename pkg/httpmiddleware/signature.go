package httpmiddleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Webhook signature headers.
const (
	HeaderSignature          = "X-Signature"
	HeaderSignatureTimestamp = "X-Signature-Timestamp"
	HeaderSignatureNonce     = "X-Signature-Nonce"
)

// SignatureConfig configures VerifySignature.
type SignatureConfig struct {
	// Secret is the shared HMAC-SHA256 key.
	Secret string
	// Scope namespaces nonces in the store. Defaults to "webhook".
	Scope string
	// Nonces rejects replays. Required.
	Nonces NonceStore
	// ClockSkew bounds the accepted timestamp drift. Defaults to 5m.
	ClockSkew time.Duration
	// MaxBody bounds the signed body size. Defaults to 1 MiB.
	MaxBody int64
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Sign computes the hex signature a sender attaches to a request. The signed
// message is METHOD, path, timestamp, nonce and hex(sha256(body)) joined by
// newlines.
func Sign(secret, method, path, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(canonicalMessage(method, path, timestamp, nonce, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature authenticates webhook deliveries. Requests with a missing,
// stale, replayed or mismatching signature get 401; the body stays readable
// for the next handler. A nonce is consumed before the handler runs and is
// released again when the handler answers 5xx or panics, so senders may
// redeliver the same signed request after a server failure.
func VerifySignature(cfg SignatureConfig) Middleware {
	if cfg.Scope == "" {
		cfg.Scope = "webhook"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 5 * time.Minute
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	secret := []byte(cfg.Secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reject := func(reason string) {
				zctx.From(ctx).Warn("Webhook signature rejected", zap.String("reason", reason))
				writeError(w, http.StatusUnauthorized, reason)
			}

			sigValue := strings.TrimSpace(r.Header.Get(HeaderSignature))
			tsValue := strings.TrimSpace(r.Header.Get(HeaderSignatureTimestamp))
			nonce := strings.TrimSpace(r.Header.Get(HeaderSignatureNonce))
			switch {
			case sigValue == "":
				reject("signature missing")
				return
			case tsValue == "":
				reject("signature timestamp missing")
				return
			case nonce == "":
				reject("signature nonce missing")
				return
			}

			ts, err := parseTimestamp(tsValue)
			if err != nil {
				reject("signature timestamp invalid")
				return
			}
			now := cfg.Now()
			if skew := now.Sub(ts); skew > cfg.ClockSkew || skew < -cfg.ClockSkew {
				reject("signature timestamp outside allowed window")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBody+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			if int64(len(body)) > cfg.MaxBody {
				writeError(w, http.StatusRequestEntityTooLarge, "body too large")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			got, err := decodeSignature(sigValue)
			if err != nil {
				reject("signature encoding invalid")
				return
			}
			mac := hmac.New(sha256.New, secret)
			_, _ = mac.Write(canonicalMessage(r.Method, r.URL.EscapedPath(), tsValue, nonce, body))
			if !hmac.Equal(got, mac.Sum(nil)) {
				reject("signature mismatch")
				return
			}

			fresh, err := cfg.Nonces.UseNonce(ctx, cfg.Scope, nonce, now.Add(2*cfg.ClockSkew))
			if err != nil {
				zctx.From(ctx).Error("Nonce store failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "signature verification unavailable")
				return
			}
			if !fresh {
				reject("duplicate signature nonce")
				return
			}

			sw := &statusWriter{ResponseWriter: w}
			completed := false
			defer func() {
				if completed && sw.status < http.StatusInternalServerError {
					return
				}
				if err := cfg.Nonces.ReleaseNonce(context.WithoutCancel(ctx), cfg.Scope, nonce); err != nil {
					zctx.From(ctx).Warn("Release signature nonce", zap.Error(err))
				}
			}()
			next.ServeHTTP(sw, r)
			completed = true
		})
	}
}

func canonicalMessage(method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}

// decodeSignature accepts hex or standard base64.
func decodeSignature(v string) ([]byte, error) {
	if b, err := hex.DecodeString(v); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	return nil, errors.New("signature must be hex or base64")
}

// parseTimestamp accepts unix seconds or RFC 3339.
func parseTimestamp(v string) (time.Time, error) {
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", v)
	}
	return t, nil
}
