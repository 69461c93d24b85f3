package httpmiddleware

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec-test"

func signedRequest(t *testing.T, body string, ts time.Time, nonce string) *http.Request {
	t.Helper()
	tsValue := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", strings.NewReader(body))
	req.Header.Set(HeaderSignatureTimestamp, tsValue)
	req.Header.Set(HeaderSignatureNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(testSecret, http.MethodPost, "/api/payments/webhook", tsValue, nonce, []byte(body)))
	return req
}

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write(b)
	})
}

type failingNonces struct{}

func (failingNonces) UseNonce(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("redis down")
}

func (failingNonces) ReleaseNonce(context.Context, string, string) error {
	return errors.New("redis down")
}

func TestVerifySignature(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	newHandler := func(t *testing.T) http.Handler {
		return VerifySignature(SignatureConfig{
			Secret: testSecret,
			Nonces: NewMemoryNonceStore(),
			Now:    func() time.Time { return now },
		})(echoBody(t))
	}
	const body = `{"orderId":"o-1","status":"completed"}`

	t.Run("Valid", func(t *testing.T) {
		w := httptest.NewRecorder()
		newHandler(t).ServeHTTP(w, signedRequest(t, body, now, "n-1"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, body, w.Body.String())
	})
	t.Run("Base64Signature", func(t *testing.T) {
		req := signedRequest(t, body, now, "n-1")
		raw, err := hex.DecodeString(req.Header.Get(HeaderSignature))
		require.NoError(t, err)
		req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(raw))

		w := httptest.NewRecorder()
		newHandler(t).ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("RFC3339Timestamp", func(t *testing.T) {
		ts := now.Format(time.RFC3339)
		req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", strings.NewReader(body))
		req.Header.Set(HeaderSignatureTimestamp, ts)
		req.Header.Set(HeaderSignatureNonce, "n-2")
		req.Header.Set(HeaderSignature, Sign(testSecret, http.MethodPost, "/api/payments/webhook", ts, "n-2", []byte(body)))

		w := httptest.NewRecorder()
		newHandler(t).ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("Replay", func(t *testing.T) {
		h := newHandler(t)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, now, "n-1"))
		require.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, now, "n-1"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "duplicate signature nonce")
	})
	t.Run("RedeliveryAfterServerError", func(t *testing.T) {
		var calls int
		h := VerifySignature(SignatureConfig{
			Secret: testSecret,
			Nonces: NewMemoryNonceStore(),
			Now:    func() time.Time { return now },
		})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, now, "n-5"))
		require.Equal(t, http.StatusBadGateway, w.Code)

		w = httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, now, "n-5"))
		require.Equal(t, http.StatusOK, w.Code, "same delivery is accepted after a 5xx")

		w = httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, now, "n-5"))
		assert.Equal(t, http.StatusUnauthorized, w.Code, "a handled delivery stays consumed")
		assert.Equal(t, 2, calls)
	})
	t.Run("RedeliveryAfterPanic", func(t *testing.T) {
		nonces := NewMemoryNonceStore()
		h := VerifySignature(SignatureConfig{
			Secret: testSecret,
			Nonces: nonces,
			Now:    func() time.Time { return now },
		})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))

		require.Panics(t, func() {
			h.ServeHTTP(httptest.NewRecorder(), signedRequest(t, body, now, "n-6"))
		})
		ok, err := nonces.UseNonce(context.Background(), "webhook", "n-6", now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("TamperedBody", func(t *testing.T) {
		req := signedRequest(t, body, now, "n-1")
		req.Body = io.NopCloser(strings.NewReader(`{"orderId":"o-1","status":"failed"}`))

		w := httptest.NewRecorder()
		newHandler(t).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "signature mismatch")
	})
	t.Run("Stale", func(t *testing.T) {
		w := httptest.NewRecorder()
		newHandler(t).ServeHTTP(w, signedRequest(t, body, now.Add(-6*time.Minute), "n-1"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("MissingHeaders", func(t *testing.T) {
		for _, h := range []string{HeaderSignature, HeaderSignatureTimestamp, HeaderSignatureNonce} {
			req := signedRequest(t, body, now, "n-1")
			req.Header.Del(h)
			w := httptest.NewRecorder()
			newHandler(t).ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, h)
		}
	})
	t.Run("NonceStoreDown", func(t *testing.T) {
		h := VerifySignature(SignatureConfig{
			Secret: testSecret,
			Nonces: failingNonces{},
			Now:    func() time.Time { return now },
		})(echoBody(t))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, now, "n-1"))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestMemoryNonceStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryNonceStore()
	s.now = func() time.Time { return now }

	ok, err := s.UseNonce(ctx, "webhook", "a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UseNonce(ctx, "webhook", "a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UseNonce(ctx, "other", "a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "scopes are independent")

	now = now.Add(2 * time.Minute)
	ok, err = s.UseNonce(ctx, "webhook", "a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired nonce can be reused")

	_, err = s.UseNonce(ctx, "", "a", now)
	require.Error(t, err)

	require.NoError(t, s.ReleaseNonce(ctx, "webhook", "a"))
	ok, err = s.UseNonce(ctx, "webhook", "a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "released nonce can be reused")
}

func TestRedisNonceStore(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	s := &RedisNonceStore{rdb: rdb, prefix: "bags:"}

	ok, err := s.UseNonce(ctx, "webhook", "a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, rdb.kv, "bags:nonce:webhook:a")

	ok, err = s.UseNonce(ctx, "webhook", "a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseNonce(ctx, "webhook", "a"))
	assert.NotContains(t, rdb.kv, "bags:nonce:webhook:a")
	ok, err = s.UseNonce(ctx, "webhook", "a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "released nonce can be reused")

	_, err = s.UseNonce(ctx, "webhook", "b", time.Now().Add(-time.Second))
	require.Error(t, err)

	rdb.err = errors.New("redis down")
	_, err = s.UseNonce(ctx, "webhook", "c", time.Now().Add(time.Minute))
	require.Error(t, err)
}
