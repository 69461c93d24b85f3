// Package httpclient implements the payment gateway against the payment
// service's REST API.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/bagmarket/internal/domain/payment"
)

// Config configures the Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries uint64
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
}

// StatusError is a non-2xx reply from the payment service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("payment service: status %d", e.Code)
	}
	return fmt.Sprintf("payment service: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

var _ payment.Gateway = (*Client)(nil)

// Client is a payment.Gateway speaking JSON over HTTP. Transport failures,
// 429 and 5xx replies are retried with exponential backoff.
type Client struct {
	base       *url.URL
	apiKey     string
	http       *http.Client
	maxRetries uint64
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("invalid payment service url %q", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &Client{
		base:       base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		http:       hc,
		maxRetries: maxRetries,
	}, nil
}

// CreatePayment starts a payment for an order.
func (c *Client) CreatePayment(ctx context.Context, req payment.CreateRequest) (*payment.Payment, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(req.OrderID)
	e.FieldStart("user_id")
	e.Int64(req.UserID)
	e.FieldStart("amount")
	e.Str(req.Amount.StringFixed(2))
	e.FieldStart("currency")
	e.Str(req.Currency)
	e.ObjEnd()

	return c.do(ctx, http.MethodPost, "/payments", e.Bytes(), req.IdempotencyKey)
}

// GetPayment fetches the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(id), nil, "")
}

// CancelPayment cancels a payment that has not settled.
func (c *Client) CancelPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return c.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(id)+"/cancel", nil, "cancel:"+id)
}

// RefundPayment refunds a completed payment.
func (c *Client) RefundPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return c.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(id)+"/refund", nil, "refund:"+id)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*payment.Payment, error) {
	lg := zctx.From(ctx).With(zap.String("method", method), zap.String("path", path))

	var result *payment.Payment
	op := func() error {
		p, err := c.roundTrip(ctx, method, path, body, idempotencyKey)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.retryable() {
				return backoff.Permanent(err)
			}
			if errors.Is(err, payment.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = p
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		lg.Warn("Payment service call failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return result, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*payment.Payment, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, payment.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}

	p, err := decodePayment(data)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "decode payment"))
	}
	return p, nil
}

func decodePayment(data []byte) (*payment.Payment, error) {
	var p payment.Payment
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			v, err := d.Str()
			p.ID = v
			return err
		case "order_id":
			v, err := d.Str()
			p.OrderID = v
			return err
		case "amount":
			return decodeAmount(d, &p.Amount)
		case "currency":
			v, err := d.Str()
			p.Currency = strings.ToUpper(v)
			return err
		case "status":
			v, err := d.Str()
			p.Status = normaliseStatus(v)
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("payment id missing")
	}
	return &p, nil
}

// decodeAmount accepts both "9.98" and 9.98.
func decodeAmount(d *jx.Decoder, dst *decimal.Decimal) error {
	var raw string
	switch d.Next() {
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return err
		}
		raw = v
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return err
		}
		raw = n.String()
	default:
		return d.Skip()
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func normaliseStatus(s string) payment.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "succeeded", "paid":
		return payment.StatusCompleted
	case "failed":
		return payment.StatusFailed
	case "cancelled", "canceled":
		return payment.StatusCancelled
	case "refunded":
		return payment.StatusRefunded
	default:
		return payment.StatusPending
	}
}

func errorMessage(data []byte) string {
	var msg string
	_ = jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) == "message" || string(key) == "error" {
			if d.Next() == jx.String {
				v, err := d.Str()
				msg = v
				return err
			}
		}
		return d.Skip()
	})
	return msg
}
