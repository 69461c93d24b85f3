package httpmiddleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// HeaderIdempotencyKey carries the client chosen idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay is set to "true" on replayed responses.
	HeaderIdempotentReplay = "X-Idempotent-Replay"

	maxIdempotencyKeyLen = 255
)

// StoredResponse is a response kept for replay.
type StoredResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// IdempotencyRecord is the state kept per idempotency key.
type IdempotencyRecord struct {
	Fingerprint string
	// Response is nil while the first request is still running.
	Response *StoredResponse
}

// IdempotencyStore keeps idempotency records.
type IdempotencyStore interface {
	// Reserve claims key for a new request. When the key is already taken it
	// returns the existing record and false.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*IdempotencyRecord, bool, error)
	// Complete stores the response for a reserved key.
	Complete(ctx context.Context, key string, rec IdempotencyRecord, ttl time.Duration) error
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}

// IdempotencyConfig configures Idempotency.
type IdempotencyConfig struct {
	Store IdempotencyStore
	// TTL bounds how long responses are replayed. Defaults to 24h.
	TTL time.Duration
	// Namespace scopes keys, e.g. per client. Defaults to the request path.
	Namespace func(*http.Request) string
	// MaxBody bounds the fingerprinted request body. Defaults to 1 MiB.
	MaxBody int64
}

// Idempotency replays the stored response for POST requests repeating an
// Idempotency-Key. A key reused with a different request gets 422 and a key
// whose first request is still running gets 409. Server errors are not
// stored so the client may retry.
func Idempotency(cfg IdempotencyConfig) Middleware {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	if cfg.Namespace == nil {
		cfg.Namespace = func(r *http.Request) string { return r.URL.Path }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeError(w, http.StatusBadRequest, "idempotency key too long")
				return
			}

			ctx := r.Context()
			lg := zctx.From(ctx).With(zap.String("idempotency_key", key))

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

			storeKey := cfg.Namespace(r) + "|" + key
			fp := fingerprint(r.Method, r.URL.Path, body)

			existing, reserved, err := cfg.Store.Reserve(ctx, storeKey, fp, cfg.TTL)
			if err != nil {
				lg.Error("Idempotency store failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}
			if !reserved {
				switch {
				case existing.Fingerprint != fp:
					writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
				case existing.Response == nil:
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
				default:
					lg.Debug("Replaying stored response")
					replay(w, existing.Response)
				}
				return
			}

			rec := &recordingWriter{ResponseWriter: w}
			completed := false
			defer func() {
				if completed {
					return
				}
				// Handler panicked or failed: free the key for a retry.
				if err := cfg.Store.Release(context.WithoutCancel(ctx), storeKey); err != nil {
					lg.Warn("Release idempotency key", zap.Error(err))
				}
			}()

			next.ServeHTTP(rec, r)

			status := rec.statusCode()
			if status >= http.StatusInternalServerError {
				return
			}
			stored := IdempotencyRecord{
				Fingerprint: fp,
				Response: &StoredResponse{
					Status:      status,
					ContentType: rec.Header().Get("Content-Type"),
					Body:        rec.body.Bytes(),
				},
			}
			if err := cfg.Store.Complete(context.WithoutCancel(ctx), storeKey, stored, cfg.TTL); err != nil {
				lg.Warn("Store idempotent response", zap.Error(err))
				return
			}
			completed = true
		})
	}
}

func fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	_, _ = io.WriteString(h, method+"\n"+path+"\n")
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, resp *StoredResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(HeaderIdempotentReplay, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

type memoryRecord struct {
	rec     IdempotencyRecord
	expires time.Time
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)

// MemoryIdempotencyStore keeps records in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]memoryRecord), now: time.Now}
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[key]; ok && r.expires.After(now) {
		rec := r.rec
		return &rec, false, nil
	}
	s.records[key] = memoryRecord{
		rec:     IdempotencyRecord{Fingerprint: fingerprint},
		expires: now.Add(ttl),
	}
	return nil, true, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, key string, rec IdempotencyRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{rec: rec, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

type redisKV interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

// RedisIdempotencyStore keeps records in Redis so replays work across
// replicas.
type RedisIdempotencyStore struct {
	rdb    redisKV
	prefix string
}

// NewRedisIdempotencyStore creates a store keeping records under prefix.
func NewRedisIdempotencyStore(rdb redis.Cmdable, prefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb, prefix: prefix}
}

func (s *RedisIdempotencyStore) key(k string) string { return s.prefix + "idempotency:" + k }

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	k := s.key(key)
	ok, err := s.rdb.SetNX(ctx, k, encodeRecord(IdempotencyRecord{Fingerprint: fingerprint}), ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "redis setnx")
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return s.Reserve(ctx, key, fingerprint, ttl)
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, false, errors.Wrap(err, "decode idempotency record")
	}
	return rec, false, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, rec IdempotencyRecord, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(key), encodeRecord(rec), ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func encodeRecord(rec IdempotencyRecord) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("fingerprint")
	e.Str(rec.Fingerprint)
	if r := rec.Response; r != nil {
		e.FieldStart("status")
		e.Int(r.Status)
		e.FieldStart("content_type")
		e.Str(r.ContentType)
		e.FieldStart("body")
		e.Base64(r.Body)
	}
	e.ObjEnd()
	return e.Bytes()
}

func decodeRecord(data []byte) (*IdempotencyRecord, error) {
	var (
		rec  IdempotencyRecord
		resp StoredResponse
	)
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "fingerprint":
			rec.Fingerprint, err = d.Str()
		case "status":
			resp.Status, err = d.Int()
		case "content_type":
			resp.ContentType, err = d.Str()
		case "body":
			resp.Body, err = d.Base64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != 0 {
		rec.Response = &resp
	}
	return &rec, nil
}
