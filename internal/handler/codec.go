package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/bagmarket/internal/domain/order"
)

const maxBodySize = 1 << 20

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(data) > maxBodySize {
		return nil, errors.New("body too large")
	}
	return data, nil
}

// decodeCreateOrder parses {userId, businessId, items: [{bagId, quantity}]}.
func decodeCreateOrder(data []byte) (order.CreateOrderRequest, error) {
	var req order.CreateOrderRequest
	var seenItems bool
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "userId":
			req.UserID, err = d.Int64()
		case "businessId":
			req.BusinessID, err = d.Int64()
		case "items":
			seenItems = true
			err = d.Arr(func(d *jx.Decoder) error {
				var line order.LineRequest
				if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					var err error
					switch string(key) {
					case "bagId":
						line.BagID, err = d.Int64()
					case "quantity":
						line.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return errors.Wrapf(err, "item %q", key)
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, line)
				return nil
			})
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "field %q", key)
	})
	if err != nil {
		return req, err
	}
	switch {
	case req.UserID <= 0:
		return req, errors.New("userId is required")
	case req.BusinessID <= 0:
		return req, errors.New("businessId is required")
	case !seenItems:
		return req, errors.New("items is required")
	}
	return req, nil
}

// decodeNotification parses {orderId, status, paymentId}.
func decodeNotification(data []byte) (order.Notification, error) {
	var n order.Notification
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "orderId":
			n.OrderID, err = d.Str()
		case "status":
			n.Status, err = d.Str()
		case "paymentId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			n.PaymentID, err = d.Str()
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "field %q", key)
	})
	if err != nil {
		return n, err
	}
	switch {
	case n.OrderID == "":
		return n, errors.New("orderId is required")
	case n.Status == "":
		return n, errors.New("status is required")
	}
	return n, nil
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("userId")
	e.Int64(o.UserID)
	e.FieldStart("businessId")
	e.Int64(o.BusinessID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("paymentReference")
	if o.PaymentReference == "" {
		e.Null()
	} else {
		e.Str(o.PaymentReference)
	}
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("bagId")
		e.Int64(it.BagID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("price")
		e.Num(jx.Num(it.Price.StringFixed(2)))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("total")
	e.Num(jx.Num(o.Total().StringFixed(2)))
	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("updatedAt")
	e.Str(o.UpdatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, status, e.Bytes())
}

func writeOrders(w http.ResponseWriter, orders []order.Order) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orders")
	e.ArrStart()
	for i := range orders {
		encodeOrder(&e, &orders[i])
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
