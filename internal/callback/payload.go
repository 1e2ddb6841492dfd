// Package callback ingests gateway result callbacks: raw persistence first,
// then idempotent interpretation against the tracked intent.
package callback

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed indicates the callback body could not be interpreted. The raw
// payload is still persisted.
var ErrMalformed = errors.New("callback: malformed payload")

// envelope mirrors the gateway's callback wire format.
type envelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        int             `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// Result is the interpreted content of a callback.
type Result struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// metadata, present on successful payments
	Amount          int64
	ReceiptNumber   string
	Phone           string
	TransactionDate time.Time
}

// parsePayload decodes and validates a raw callback body.
func parsePayload(raw []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cb := env.Body.StkCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" && strings.TrimSpace(cb.MerchantRequestID) == "" {
		return Result{}, fmt.Errorf("%w: missing correlation identifiers", ErrMalformed)
	}
	out := Result{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return out, nil
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amount, err := parseAmount(item.Value)
			if err != nil {
				return Result{}, fmt.Errorf("%w: amount: %v", ErrMalformed, err)
			}
			out.Amount = amount
		case "MpesaReceiptNumber":
			_ = json.Unmarshal(item.Value, &out.ReceiptNumber)
		case "PhoneNumber":
			out.Phone = rawToString(item.Value)
		case "TransactionDate":
			if ts, err := parseTransactionDate(item.Value); err == nil {
				out.TransactionDate = ts
			}
		}
	}
	return out, nil
}

// parseAmount accepts the gateway's number-or-string amount encodings.
func parseAmount(raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(math.Round(f)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f)), nil
}

// parseTransactionDate decodes the gateway's YYYYMMDDHHmmss stamp, which is
// expressed in the gateway's +03:00 zone.
func parseTransactionDate(raw json.RawMessage) (time.Time, error) {
	stamp := rawToString(raw)
	if len(stamp) != 14 {
		return time.Time{}, fmt.Errorf("unexpected transaction date %q", stamp)
	}
	return time.ParseInLocation("20060102150405", stamp, time.FixedZone("EAT", 3*60*60))
}

// rawToString renders a JSON number or string value as its literal text.
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.Trim(string(raw), `"`)
}
