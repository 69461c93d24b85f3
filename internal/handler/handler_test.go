package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/xenking/bagmarket/internal/domain/bag"
	"github.com/xenking/bagmarket/internal/domain/order"
	"github.com/xenking/bagmarket/internal/domain/payment"
	"github.com/xenking/bagmarket/internal/storage/sqlite"
	"github.com/xenking/bagmarket/pkg/httpmiddleware"
)

// --- Mock implementations ---

type fakePayments struct {
	mu       sync.Mutex
	seq      int
	status   map[string]payment.Status
	failNext error
}

func (f *fakePayments) CreatePayment(_ context.Context, req payment.CreateRequest) (*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	f.seq++
	id := fmt.Sprintf("pay-%d", f.seq)
	f.status[id] = payment.StatusPending
	return &payment.Payment{ID: id, OrderID: req.OrderID, Amount: req.Amount, Status: payment.StatusPending}, nil
}

func (f *fakePayments) GetPayment(_ context.Context, id string) (*payment.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return &payment.Payment{ID: id, Status: s}, nil
}

func (f *fakePayments) CancelPayment(_ context.Context, id string) (*payment.Payment, error) {
	return f.set(id, payment.StatusCancelled), nil
}

func (f *fakePayments) RefundPayment(_ context.Context, id string) (*payment.Payment, error) {
	return f.set(id, payment.StatusRefunded), nil
}

func (f *fakePayments) set(id string, s payment.Status) *payment.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = s
	return &payment.Payment{ID: id, Status: s}
}

// stubService fails every call with err.
type stubService struct{ err error }

func (s stubService) CreateOrder(context.Context, order.CreateOrderRequest) (*order.Order, error) {
	return nil, s.err
}
func (s stubService) GetOrder(context.Context, string) (*order.Order, error) { return nil, s.err }
func (s stubService) ListOrders(context.Context, order.Filter) ([]order.Order, error) {
	return nil, s.err
}
func (s stubService) HandleNotification(context.Context, order.Notification) (*order.Order, error) {
	return nil, s.err
}
func (s stubService) StartPayment(context.Context, string) (*order.Order, error) { return nil, s.err }
func (s stubService) SyncPayment(context.Context, string) (*order.Order, error)  { return nil, s.err }
func (s stubService) CancelOrder(context.Context, string) (*order.Order, error)  { return nil, s.err }
func (s stubService) RefundOrder(context.Context, string) (*order.Order, error)  { return nil, s.err }

// --- Helpers ---

type orderBody struct {
	ID               string  `json:"id"`
	UserID           int64   `json:"userId"`
	BusinessID       int64   `json:"businessId"`
	Status           string  `json:"status"`
	PaymentReference *string `json:"paymentReference"`
	Items            []struct {
		BagID    int64   `json:"bagId"`
		Quantity int     `json:"quantity"`
		Price    float64 `json:"price"`
	} `json:"items"`
	Total float64 `json:"total"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type testEnv struct {
	t        *testing.T
	router   http.Handler
	bags     *sqlite.BagRepository
	payments *fakePayments
}

func newEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bags := sqlite.NewBagRepository(db)
	require.NoError(t, bags.Upsert(ctx, []bag.Snapshot{
		{ID: 1, BusinessID: 7, Name: "Bakery box", Status: bag.StatusActive, Price: decimal.NewFromInt(10)},
		{ID: 2, BusinessID: 7, Name: "Veggie bag", Status: bag.StatusActive, Price: decimal.RequireFromString("4.50")},
		{ID: 3, BusinessID: 7, Name: "Sold out", Status: bag.StatusInactive, Price: decimal.NewFromInt(3)},
	}))

	payments := &fakePayments{status: map[string]payment.Status{}}
	svc := order.NewService(bags, sqlite.NewOrderRepository(db), payments)
	return &testEnv{
		t:        t,
		router:   NewRouter(New(svc, cfg)),
		bags:     bags,
		payments: payments,
	}
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createOrder(body string) orderBody {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/orders", body)
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[orderBody](e.t, w)
}

func (e *testEnv) webhook(orderID, status string) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(http.MethodPost, "/api/payments/webhook",
		fmt.Sprintf(`{"orderId":%q,"status":%q}`, orderID, status))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const oneBag = `{"userId":1,"businessId":7,"items":[{"bagId":1,"quantity":1}]}`

// --- Tests ---

func TestOrderLifecycle(t *testing.T) {
	env := newEnv(t, Config{})

	created := env.createOrder(oneBag)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "pending", created.Status)
	require.Len(t, created.Items, 1)
	assert.Equal(t, 10.0, created.Items[0].Price)
	assert.Nil(t, created.PaymentReference)

	// Catalog price changes must not reach the stored order.
	require.NoError(t, env.bags.Upsert(context.Background(), []bag.Snapshot{
		{ID: 1, BusinessID: 7, Name: "Bakery box", Status: bag.StatusActive, Price: decimal.NewFromInt(25)},
	}))

	w := env.webhook(created.ID, "completed")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "confirmed", decode[orderBody](t, w).Status)

	w = env.do(http.MethodGet, "/api/orders/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[orderBody](t, w)
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, 10.0, got.Items[0].Price)
	assert.Equal(t, 10.0, got.Total)
}

func TestCreateOrder_Validation(t *testing.T) {
	env := newEnv(t, Config{})
	tests := []struct {
		name    string
		body    string
		code    int
		message string
	}{
		{"EmptyItems", `{"userId":1,"businessId":7,"items":[]}`, http.StatusBadRequest, "empty items"},
		{"ZeroQuantity", `{"userId":1,"businessId":7,"items":[{"bagId":1,"quantity":0}]}`, http.StatusBadRequest, "invalid quantity"},
		{"UnknownBag", `{"userId":1,"businessId":7,"items":[{"bagId":99,"quantity":1}]}`, http.StatusNotFound, "99"},
		{"InactiveBag", `{"userId":1,"businessId":7,"items":[{"bagId":3,"quantity":1}]}`, http.StatusBadRequest, "bag inactive"},
		{"MissingUser", `{"businessId":7,"items":[{"bagId":1,"quantity":1}]}`, http.StatusBadRequest, "userId"},
		{"MissingItems", `{"userId":1,"businessId":7}`, http.StatusBadRequest, "items"},
		{"Malformed", `{"userId":"one"`, http.StatusBadRequest, "invalid request"},
		{"NotObject", `[1,2]`, http.StatusBadRequest, "invalid request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/orders", tt.body)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			body := decode[errorBody](t, w)
			assert.Equal(t, tt.code, body.Code)
			assert.Contains(t, body.Message, tt.message)
		})
	}

	w := env.do(http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"orders":[]}`, w.Body.String(), "failed creates persist nothing")
}

func TestCreateOrder_FrozenPrices(t *testing.T) {
	env := newEnv(t, Config{})
	o := env.createOrder(`{"userId":1,"businessId":7,"items":[{"bagId":1,"quantity":2},{"bagId":2,"quantity":1}]}`)

	require.Len(t, o.Items, 2)
	assert.Equal(t, 10.0, o.Items[0].Price)
	assert.Equal(t, 4.5, o.Items[1].Price)
	assert.Equal(t, 24.5, o.Total)
}

func TestPaymentWebhook(t *testing.T) {
	env := newEnv(t, Config{})
	o := env.createOrder(oneBag)

	t.Run("UnknownStatus", func(t *testing.T) {
		w := env.webhook(o.ID, "teleported")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("Malformed", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/payments/webhook", `{"orderId":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = env.do(http.MethodPost, "/api/payments/webhook", `{"status":"completed"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("UnknownOrder", func(t *testing.T) {
		w := env.webhook("0190a8f0-0000-7000-8000-000000000000", "completed")
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = env.webhook("not-a-uuid", "completed")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("FailedThenRedelivered", func(t *testing.T) {
		w := env.webhook(o.ID, "failed")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cancelled", decode[orderBody](t, w).Status)

		w = env.webhook(o.ID, "completed")
		require.Equal(t, http.StatusOK, w.Code, "late outcomes are acknowledged")
		assert.Equal(t, "cancelled", decode[orderBody](t, w).Status)
	})
}

func TestPaymentWebhook_RefundedIsTerminal(t *testing.T) {
	env := newEnv(t, Config{})
	o := env.createOrder(oneBag)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/orders/"+o.ID+"/payment", "").Code)
	require.Equal(t, http.StatusOK, env.webhook(o.ID, "completed").Code)
	w := env.do(http.MethodPost, "/api/orders/"+o.ID+"/refund", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refunded", decode[orderBody](t, w).Status)

	for _, s := range []string{"completed", "failed", "cancelled"} {
		w := env.webhook(o.ID, s)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "refunded", decode[orderBody](t, w).Status)
	}
}

func TestPaymentWebhook_PaymentReference(t *testing.T) {
	env := newEnv(t, Config{})
	o := env.createOrder(oneBag)

	w := env.do(http.MethodPost, "/api/orders/"+o.ID+"/payment", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decode[orderBody](t, w)
	require.NotNil(t, started.PaymentReference)
	assert.Equal(t, "pay-1", *started.PaymentReference)

	// A notification about another attempt leaves the order alone.
	w = env.do(http.MethodPost, "/api/payments/webhook", fmt.Sprintf(`{"orderId":%q,"status":"failed","paymentId":"pay-other"}`, o.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode[orderBody](t, w).Status)

	w = env.do(http.MethodPost, "/api/payments/webhook", fmt.Sprintf(`{"orderId":%q,"status":"completed","paymentId":"pay-1"}`, o.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "confirmed", decode[orderBody](t, w).Status)
}

func TestPaymentWebhook_Signed(t *testing.T) {
	const secret = "s3cret"
	env := newEnv(t, Config{WebhookAuth: httpmiddleware.VerifySignature(httpmiddleware.SignatureConfig{
		Secret: secret,
		Nonces: httpmiddleware.NewMemoryNonceStore(),
	})})
	o := env.createOrder(oneBag)
	body := fmt.Sprintf(`{"orderId":%q,"status":"completed"}`, o.ID)

	w := env.do(http.MethodPost, "/api/payments/webhook", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := httpmiddleware.Sign(secret, http.MethodPost, "/api/payments/webhook", ts, "n-1", []byte(body))
	w = env.do(http.MethodPost, "/api/payments/webhook", body,
		httpmiddleware.HeaderSignature, sig,
		httpmiddleware.HeaderSignatureTimestamp, ts,
		httpmiddleware.HeaderSignatureNonce, "n-1",
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "confirmed", decode[orderBody](t, w).Status)
}

func TestStripeWebhook(t *testing.T) {
	const secret = "whsec_test"
	env := newEnv(t, Config{StripeWebhookSecret: secret})
	o := env.createOrder(oneBag)

	send := func(typ, signWith string) *httptest.ResponseRecorder {
		payload := fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,
			"data":{"object":{"id":"pi_1","object":"payment_intent","metadata":{"order_id":%q}}}}`, typ, o.ID)
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   []byte(payload),
			Secret:    signWith,
			Timestamp: time.Now(),
		})
		return env.do(http.MethodPost, "/api/payments/webhook/stripe", string(signed.Payload),
			"Stripe-Signature", signed.Header)
	}

	assert.Equal(t, http.StatusUnauthorized, send("payment_intent.succeeded", "whsec_other").Code)
	assert.Equal(t, http.StatusOK, send("payment_intent.created", secret).Code)

	w := send("payment_intent.succeeded", secret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[orderBody](t, w)
	assert.Equal(t, "confirmed", got.Status)
	require.NotNil(t, got.PaymentReference)
	assert.Equal(t, "pi_1", *got.PaymentReference)
}

func TestStripeWebhook_DisabledWithoutSecret(t *testing.T) {
	env := newEnv(t, Config{})
	w := env.do(http.MethodPost, "/api/payments/webhook/stripe", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderActions(t *testing.T) {
	env := newEnv(t, Config{})

	t.Run("RefundPendingConflicts", func(t *testing.T) {
		o := env.createOrder(oneBag)
		w := env.do(http.MethodPost, "/api/orders/"+o.ID+"/refund", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})
	t.Run("CancelWithPayment", func(t *testing.T) {
		o := env.createOrder(oneBag)
		require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/orders/"+o.ID+"/payment", "").Code)

		w := env.do(http.MethodPost, "/api/orders/"+o.ID+"/cancel", "")
		require.Equal(t, http.StatusOK, w.Code)
		got := decode[orderBody](t, w)
		assert.Equal(t, "cancelled", got.Status)
		assert.Equal(t, payment.StatusCancelled, env.payments.status[*got.PaymentReference])

		w = env.do(http.MethodPost, "/api/orders/"+o.ID+"/cancel", "")
		assert.Equal(t, http.StatusOK, w.Code, "cancel is idempotent")
	})
	t.Run("SyncPayment", func(t *testing.T) {
		o := env.createOrder(oneBag)
		w := env.do(http.MethodPost, "/api/orders/"+o.ID+"/payment", "")
		ref := *decode[orderBody](t, w).PaymentReference

		w = env.do(http.MethodPost, "/api/orders/"+o.ID+"/sync", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "pending", decode[orderBody](t, w).Status)

		env.payments.set(ref, payment.StatusCompleted)
		w = env.do(http.MethodPost, "/api/orders/"+o.ID+"/sync", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "confirmed", decode[orderBody](t, w).Status)
	})
	t.Run("PaymentServiceDown", func(t *testing.T) {
		o := env.createOrder(oneBag)
		env.payments.failNext = errors.New("connection reset")
		w := env.do(http.MethodPost, "/api/orders/"+o.ID+"/payment", "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
	t.Run("UnknownOrder", func(t *testing.T) {
		for _, action := range []string{"payment", "sync", "cancel", "refund"} {
			w := env.do(http.MethodPost, "/api/orders/missing/"+action, "")
			assert.Equal(t, http.StatusNotFound, w.Code, action)
		}
	})
}

func TestListOrders(t *testing.T) {
	env := newEnv(t, Config{})
	a := env.createOrder(oneBag)
	env.createOrder(`{"userId":2,"businessId":7,"items":[{"bagId":2,"quantity":3}]}`)
	require.Equal(t, http.StatusOK, env.webhook(a.ID, "completed").Code)

	list := func(query string) []orderBody {
		w := env.do(http.MethodGet, "/api/orders"+query, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return decode[struct {
			Orders []orderBody `json:"orders"`
		}](t, w).Orders
	}

	assert.Len(t, list(""), 2)
	assert.Len(t, list("?businessId=7"), 2)
	got := list("?userId=1")
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Len(t, list("?status=pending"), 1)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/orders?userId=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/orders?status=lost", "").Code)
}

func TestCreateOrder_IdempotencyKey(t *testing.T) {
	env := newEnv(t, Config{Idempotency: httpmiddleware.Idempotency(httpmiddleware.IdempotencyConfig{
		Store: httpmiddleware.NewMemoryIdempotencyStore(),
	})})

	first := env.do(http.MethodPost, "/api/orders", oneBag, httpmiddleware.HeaderIdempotencyKey, "checkout-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := env.do(http.MethodPost, "/api/orders", oneBag, httpmiddleware.HeaderIdempotencyKey, "checkout-1")
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get(httpmiddleware.HeaderIdempotentReplay))
	assert.Equal(t, decode[orderBody](t, first).ID, decode[orderBody](t, second).ID)

	w := env.do(http.MethodGet, "/api/orders", "")
	assert.Len(t, decode[struct {
		Orders []orderBody `json:"orders"`
	}](t, w).Orders, 1)
}

func TestInternalErrors(t *testing.T) {
	router := NewRouter(New(stubService{err: errors.New("database is down")}, Config{}))
	requests := []struct{ method, path, body string }{
		{http.MethodPost, "/api/orders", oneBag},
		{http.MethodGet, "/api/orders/x", ""},
		{http.MethodGet, "/api/orders", ""},
		{http.MethodPost, "/api/payments/webhook", `{"orderId":"x","status":"completed"}`},
	}
	for _, r := range requests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(r.method, r.path, strings.NewReader(r.body)))
		assert.Equal(t, http.StatusInternalServerError, w.Code, r.path)
		assert.JSONEq(t, `{"code":500,"message":"internal error"}`, w.Body.String())
	}
}

func TestRouterFallbacks(t *testing.T) {
	router := NewRouter(New(stubService{}, Config{}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/orders/x", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
