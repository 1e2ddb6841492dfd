// Package daraja implements the M-Pesa Daraja gateway client: OAuth token
// management, STK push initiation and push status queries.
package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wekeza-labs/backend-duka/internal/obs"
	"github.com/wekeza-labs/backend-duka/internal/resilience"
)

const (
	authPath      = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath   = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath  = "/mpesa/stkpushquery/v1/query"
	timestampForm = "20060102150405"

	// tokens are refreshed this long before their reported expiry
	tokenExpirySlack = 30 * time.Second
)

// nairobi is the gateway's reference timezone for push timestamps.
var nairobi = time.FixedZone("EAT", 3*60*60)

// Client talks to the Daraja API. It caches the OAuth access token and
// refreshes it on demand; concurrent callers share a single refresh.
type Client struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	BaseURL        string
	CallbackURL    string

	HTTP resilience.HTTPClient

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// PushRequest describes an STK push to initiate. Phone must already be in
// canonical 2547XXXXXXXX form and Amount in whole shillings.
type PushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// PushResponse carries the gateway's acknowledgement of a push, including the
// correlation identifiers later echoed in the callback.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	RawRequest json.RawMessage `json:"-"`
	Raw        json.RawMessage `json:"-"`
}

// StatusResponse is the gateway's answer to a push status query.
type StatusResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`

	Raw json.RawMessage `json:"-"`
}

type gatewayError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// accessToken returns a valid bearer token, refreshing if the cached one is
// missing or close to expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	token, ttl, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.tokenExpiry = c.now().Add(ttl - tokenExpirySlack)
	return token, nil
}

// invalidateToken drops the cached token so the next call re-authenticates.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+authPath, nil)
	if err != nil {
		return "", 0, err
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(c.ConsumerKey + ":" + c.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+credentials)

	resp, err := c.HTTP.Do(ctx, req)
	observeGateway("authenticate", start, err)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("%w: read auth response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", 0, fmt.Errorf("%w: status %d", ErrAuthExpired, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, rejectionFromBody(resp.StatusCode, body)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("%w: decode auth response: %v", ErrUnavailable, err)
	}
	if payload.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access token", ErrAuthExpired)
	}
	ttl := time.Hour
	if payload.ExpiresIn != "" {
		if secs, parseErr := time.ParseDuration(payload.ExpiresIn + "s"); parseErr == nil && secs > tokenExpirySlack {
			ttl = secs
		}
	}
	return payload.AccessToken, ttl, nil
}

// InitiatePush asks the gateway to prompt the customer's handset for payment.
func (c *Client) InitiatePush(ctx context.Context, push PushRequest) (PushResponse, error) {
	timestamp := c.now().In(nairobi).Format(timestampForm)
	body := map[string]any{
		"BusinessShortCode": c.ShortCode,
		"Password":          pushPassword(c.ShortCode, c.Passkey, timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            push.Amount,
		"PartyA":            push.Phone,
		"PartyB":            c.ShortCode,
		"PhoneNumber":       push.Phone,
		"CallBackURL":       c.CallbackURL,
		"AccountReference":  push.AccountReference,
		"TransactionDesc":   push.Description,
	}
	raw, err := c.postJSON(ctx, "push", stkPushPath, body)
	if err != nil {
		return PushResponse{}, err
	}
	var out PushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return PushResponse{}, fmt.Errorf("%w: decode push response: %v", ErrUnavailable, err)
	}
	if out.ResponseCode != "0" {
		return PushResponse{}, &RejectedError{Code: out.ResponseCode, Message: out.ResponseDescription}
	}
	// retained for audit; the derived credential is not
	audit := make(map[string]any, len(body))
	for k, v := range body {
		audit[k] = v
	}
	audit["Password"] = "REDACTED"
	out.RawRequest, _ = json.Marshal(audit)
	out.Raw = raw
	return out, nil
}

// QueryStatus asks the gateway for the outcome of an earlier push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (StatusResponse, error) {
	timestamp := c.now().In(nairobi).Format(timestampForm)
	body := map[string]any{
		"BusinessShortCode": c.ShortCode,
		"Password":          pushPassword(c.ShortCode, c.Passkey, timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}
	raw, err := c.postJSON(ctx, "query", stkQueryPath, body)
	if err != nil {
		return StatusResponse{}, err
	}
	var out StatusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return StatusResponse{}, fmt.Errorf("%w: decode query response: %v", ErrUnavailable, err)
	}
	out.Raw = raw
	return out, nil
}

// postJSON performs an authenticated POST. A 401 invalidates the cached token
// and the call is retried once with a fresh one.
func (c *Client) postJSON(ctx context.Context, operation, path string, payload any) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		raw, status, err := c.doPost(ctx, operation, path, token, payload)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.invalidateToken()
			continue
		}
		if status != http.StatusOK {
			return nil, rejectionFromBody(status, raw)
		}
		return raw, nil
	}
	return nil, ErrAuthExpired
}

func (c *Client) doPost(ctx context.Context, operation, path, token string, payload any) (json.RawMessage, int, error) {
	start := time.Now()
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, strings.NewReader(string(encoded)))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(ctx, req)
	observeGateway(operation, start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return body, resp.StatusCode, nil
}

// rejectionFromBody classifies a non-200 reply. A body carrying a gateway
// errorCode is a verdict the caller can act on, even on a 5xx status: the
// query endpoint reports a still-pending push as 500 with errorCode
// 500.001.1001. A 5xx without one is an outage.
func rejectionFromBody(status int, body []byte) error {
	var ge gatewayError
	if err := json.Unmarshal(body, &ge); err == nil && ge.ErrorCode != "" {
		return &RejectedError{Code: ge.ErrorCode, Message: ge.ErrorMessage}
	}
	if status >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return &RejectedError{Code: fmt.Sprintf("HTTP_%d", status), Message: strings.TrimSpace(string(body))}
}

// pushPassword derives the per-request credential from the shortcode, passkey
// and timestamp.
func pushPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func observeGateway(operation string, start time.Time, err error) {
	if obs.GatewayLatency == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	obs.GatewayLatency.WithLabelValues(operation, result).Observe(float64(time.Since(start).Milliseconds()))
}
