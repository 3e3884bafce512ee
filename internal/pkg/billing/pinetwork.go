package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/droplink/droplink-api/internal/pkg/env"
	"github.com/droplink/droplink-api/internal/pkg/metrics"
)

const (
	defaultPiAPIBaseURL = "https://api.minepi.com"
	defaultPiAPIVersion = "v2"
)

// PaymentNetwork is the server side of the Pi payment handshake.
type PaymentNetwork interface {
	GetPayment(ctx context.Context, paymentID string) (*PiPayment, error)
	ApprovePayment(ctx context.Context, paymentID string) (*PiPayment, error)
	CompletePayment(ctx context.Context, paymentID, txid string) (*PiPayment, error)
}

type PiPaymentStatus struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

type PiTransaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
	Link     string `json:"_link"`
}

// PiPayment is the payment DTO returned by the Pi platform API.
type PiPayment struct {
	Identifier  string                 `json:"identifier"`
	UserUID     string                 `json:"user_uid"`
	Amount      decimal.Decimal        `json:"amount"`
	Memo        string                 `json:"memo"`
	Metadata    map[string]interface{} `json:"metadata"`
	FromAddress string                 `json:"from_address"`
	ToAddress   string                 `json:"to_address"`
	Direction   string                 `json:"direction"`
	Network     string                 `json:"network"`
	CreatedAt   string                 `json:"created_at"`
	Status      PiPaymentStatus        `json:"status"`
	Transaction *PiTransaction         `json:"transaction"`
}

// IsCancelled reports whether either side aborted the payment.
func (p *PiPayment) IsCancelled() bool {
	return p.Status.Cancelled || p.Status.UserCancelled
}

// PiAPIError is a non-2xx answer of the Pi platform API.
type PiAPIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *PiAPIError) Error() string {
	return fmt.Sprintf("pi %s failed: status=%d body=%s", e.Operation, e.StatusCode, e.Body)
}

// IsRetryable classifies a payment network error. Transport faults, timeouts,
// throttling and 5xx answers may succeed on retry; other API rejections won't.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *PiAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrNotConfigured) {
		return false
	}
	// *url.Error from the http client satisfies net.Error.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

type PiClient struct {
	APIKey     string
	BaseURL    string
	Version    string
	HTTPClient *http.Client
}

func NewPiClientFromEnv() *PiClient {
	return &PiClient{
		APIKey:  strings.TrimSpace(env.GetEnv("PI_API_KEY", "")),
		BaseURL: strings.TrimSpace(env.GetEnv("PI_API_BASE_URL", defaultPiAPIBaseURL)),
		Version: strings.TrimSpace(env.GetEnv("PI_API_VERSION", defaultPiAPIVersion)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *PiClient) GetPayment(ctx context.Context, paymentID string) (*PiPayment, error) {
	return c.do(ctx, "get_payment", http.MethodGet, paymentID, "", nil)
}

func (c *PiClient) ApprovePayment(ctx context.Context, paymentID string) (*PiPayment, error) {
	return c.do(ctx, "approve", http.MethodPost, paymentID, "/approve", nil)
}

func (c *PiClient) CompletePayment(ctx context.Context, paymentID, txid string) (*PiPayment, error) {
	if strings.TrimSpace(txid) == "" {
		return nil, errors.New("txid is required")
	}
	return c.do(ctx, "complete", http.MethodPost, paymentID, "/complete", map[string]string{"txid": txid})
}

func (c *PiClient) do(ctx context.Context, operation, method, paymentID, suffix string, payload interface{}) (*PiPayment, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, fmt.Errorf("%w: PI_API_KEY missing", ErrNotConfigured)
	}
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, errors.New("payment id is required")
	}

	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultPiAPIBaseURL
	}
	version := strings.Trim(c.Version, "/")
	if version == "" {
		version = defaultPiAPIVersion
	}
	endpoint := fmt.Sprintf("%s/%s/payments/%s%s", base, version, url.PathEscape(id), suffix)

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Key "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil || method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient().Do(req)
	metrics.PiAPIDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &PiAPIError{Operation: operation, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out PiPayment
	if len(bytes.TrimSpace(respBody)) == 0 {
		out.Identifier = id
		return &out, nil
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode pi %s response: %w", operation, err)
	}
	if out.Identifier == "" {
		out.Identifier = id
	}
	return &out, nil
}

func (c *PiClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
