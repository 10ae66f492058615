// Package payment integrates the PayOS gateway: checkout links, webhooks,
// the cancel/return redirects and the payments ledger.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/KAsare1/medibook-server/cmd/config"
)

var ErrInvalidSignature = errors.New("payos: invalid signature")

// Gateway is the subset of PayOS used by the handlers.
type Gateway interface {
	CreateLink(ctx context.Context, req LinkRequest) (*LinkData, error)
	GetLink(ctx context.Context, orderCode int64) (*LinkData, error)
	CancelLink(ctx context.Context, orderCode int64, reason string) error
	VerifyWebhook(body []byte) (*Webhook, error)
}

type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type LinkRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	BuyerName   string `json:"buyerName,omitempty"`
	BuyerEmail  string `json:"buyerEmail,omitempty"`
	Items       []Item `json:"items,omitempty"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt,omitempty"`
	Signature   string `json:"signature"`
}

// LinkData is the payment link as PayOS reports it.
type LinkData struct {
	ID            string `json:"id"`
	PaymentLinkID string `json:"paymentLinkId"`
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	AmountPaid    int64  `json:"amountPaid"`
	Status        string `json:"status"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
}

const (
	LinkPending   = "PENDING"
	LinkPaid      = "PAID"
	LinkCancelled = "CANCELLED"
	LinkExpired   = "EXPIRED"
)

// WebhookData is the payload of a payment notification.
type WebhookData struct {
	OrderCode           int64  `json:"orderCode"`
	Amount              int64  `json:"amount"`
	Description         string `json:"description"`
	AccountNumber       string `json:"accountNumber"`
	Reference           string `json:"reference"`
	TransactionDateTime string `json:"transactionDateTime"`
	Currency            string `json:"currency"`
	PaymentLinkID       string `json:"paymentLinkId"`
	Code                string `json:"code"`
	Desc                string `json:"desc"`
}

type Webhook struct {
	Code    string      `json:"code"`
	Desc    string      `json:"desc"`
	Success bool        `json:"success"`
	Data    WebhookData `json:"data"`
}

// Paid reports whether the notification is a successful payment.
func (w *Webhook) Paid() bool {
	return w.Code == "00" && w.Data.Code == "00"
}

type envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// Client talks to the PayOS merchant API.
type Client struct {
	baseURL     string
	clientID    string
	apiKey      string
	checksumKey string
	returnURL   string
	cancelURL   string
	http        *http.Client
}

func NewClient(cfg config.PayOSConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		clientID:    cfg.ClientID,
		apiKey:      cfg.APIKey,
		checksumKey: cfg.ChecksumKey,
		returnURL:   cfg.ReturnURL,
		cancelURL:   cfg.CancelURL,
		http:        &http.Client{Timeout: timeout},
	}
}

// CreateLink signs and creates a payment link. Return and cancel URLs
// default to the configured ones.
func (c *Client) CreateLink(ctx context.Context, req LinkRequest) (*LinkData, error) {
	if req.ReturnURL == "" {
		req.ReturnURL = c.returnURL
	}
	if req.CancelURL == "" {
		req.CancelURL = c.cancelURL
	}
	req.Signature = c.sign(fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		req.Amount, req.CancelURL, req.Description, req.OrderCode, req.ReturnURL))

	var data LinkData
	if err := c.do(ctx, http.MethodPost, "/v2/payment-requests", req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Client) GetLink(ctx context.Context, orderCode int64) (*LinkData, error) {
	var data LinkData
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v2/payment-requests/%d", orderCode), nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (c *Client) CancelLink(ctx context.Context, orderCode int64, reason string) error {
	body := map[string]string{"cancellationReason": reason}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v2/payment-requests/%d/cancel", orderCode), body, nil)
}

// VerifyWebhook checks the signature of a webhook body and decodes it.
func (c *Client) VerifyWebhook(body []byte) (*Webhook, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("payos: decode webhook: %w", err)
	}
	expected, err := c.signData(env.Data)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(env.Signature))) {
		return nil, ErrInvalidSignature
	}

	hook := &Webhook{Code: env.Code, Desc: env.Desc, Success: env.Success}
	if err := json.Unmarshal(env.Data, &hook.Data); err != nil {
		return nil, fmt.Errorf("payos: decode webhook data: %w", err)
	}
	return hook, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("payos: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("payos: %s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || env.Code != "00" {
		return fmt.Errorf("payos: %s %s: code %s: %s", method, path, env.Code, env.Desc)
	}
	if env.Signature != "" {
		expected, err := c.signData(env.Data)
		if err != nil {
			return err
		}
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(env.Signature))) {
			return ErrInvalidSignature
		}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.checksumKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signData signs a data object the way PayOS does: keys sorted, joined as
// key=value with &, null as the empty string and nested values as JSON.
func (c *Client) signData(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return "", fmt.Errorf("payos: decode signed data: %w", err)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + signValue(data[k])
	}
	return c.sign(strings.Join(parts, "&")), nil
}

func signValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if val == "null" || val == "undefined" {
			return ""
		}
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		encoded, _ := json.Marshal(val)
		return string(encoded)
	}
}
