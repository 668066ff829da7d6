// Package tradier provides client functionality for interacting with the Tradier brokerage API.
package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Client talks to the Tradier REST API. It implements
// domain.BrokerClient for live and sandbox environments.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

var _ domain.BrokerClient = (*Client)(nil)

// NewClient creates a new Tradier client
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        log.With().Str("client", "tradier").Logger(),
	}
}

// orderEnvelope wraps Tradier order responses
type orderEnvelope struct {
	Order  *orderPayload  `json:"order"`
	Errors *errorsPayload `json:"errors"`
}

type orderPayload struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExecQuantity      float64     `json:"exec_quantity"`
	AvgFillPrice      float64     `json:"avg_fill_price"`
	ReasonDescription string      `json:"reason_description"`
}

type errorsPayload struct {
	Error []string `json:"error"`
}

func (e *errorsPayload) joined() string {
	return strings.Join(e.Error, "; ")
}

// PlaceOrder submits an option order and returns the broker's ack
func (c *Client) PlaceOrder(ctx context.Context, accountID string, instrument domain.Instrument, side string, qty int, price domain.PriceSpec) (*domain.BrokerOrderAck, error) {
	form := url.Values{}
	form.Set("class", "option")
	form.Set("symbol", strings.ToUpper(instrument.Underlying))
	form.Set("option_symbol", instrument.OCCSymbol())
	form.Set("side", side)
	form.Set("quantity", strconv.Itoa(qty))
	form.Set("duration", "day")
	if price.Type == domain.PriceSpecLimit {
		form.Set("type", "limit")
		form.Set("price", strconv.FormatFloat(price.Limit, 'f', 2, 64))
	} else {
		form.Set("type", "market")
	}

	c.log.Debug().
		Str("account_id", accountID).
		Str("option_symbol", instrument.OCCSymbol()).
		Str("side", side).
		Int("quantity", qty).
		Msg("Placing order")

	var envelope orderEnvelope
	path := fmt.Sprintf("/v1/accounts/%s/orders", accountID)
	if err := c.do(ctx, http.MethodPost, path, form, &envelope); err != nil {
		return nil, err
	}

	if envelope.Errors != nil && len(envelope.Errors.Error) > 0 {
		return nil, &domain.BrokerRejectionError{Reason: envelope.Errors.joined()}
	}
	if envelope.Order == nil {
		return nil, fmt.Errorf("order response missing order body")
	}

	return &domain.BrokerOrderAck{
		BrokerOrderID: envelope.Order.ID.String(),
		InitialStatus: domain.OrderStatusPending,
	}, nil
}

// GetOrderStatus returns the broker's current view of an order
func (c *Client) GetOrderStatus(ctx context.Context, accountID, brokerOrderID string) (*domain.BrokerOrderState, error) {
	var envelope orderEnvelope
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s", accountID, brokerOrderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	if envelope.Order == nil {
		return nil, fmt.Errorf("order %s not found in response", brokerOrderID)
	}

	return &domain.BrokerOrderState{
		BrokerOrderID: envelope.Order.ID.String(),
		Status:        mapOrderStatus(envelope.Order.Status),
		FilledQty:     int(envelope.Order.ExecQuantity),
		AvgFillPrice:  envelope.Order.AvgFillPrice,
		StatusReason:  envelope.Order.ReasonDescription,
	}, nil
}

// CancelOrder requests cancellation of a pending order
func (c *Client) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	path := fmt.Sprintf("/v1/accounts/%s/orders/%s", accountID, brokerOrderID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do executes one authenticated request and decodes the JSON response.
// Broker throttling, declines, and network failures surface as the
// distinguishable error types the reconciler's retry logic keys on.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("authentication failed: HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return &domain.TransportError{Err: fmt.Errorf("broker returned HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(resp.Body)
		return &domain.BrokerRejectionError{Reason: rejectionReason(raw, resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// rejectionReason extracts the broker's error text from a 4xx body
func rejectionReason(raw []byte, statusCode int) string {
	var envelope orderEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Errors != nil && len(envelope.Errors.Error) > 0 {
		return envelope.Errors.joined()
	}
	if len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// mapOrderStatus maps Tradier order statuses to domain statuses
func mapOrderStatus(status string) domain.OrderStatus {
	switch strings.ToLower(status) {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartial
	case "canceled", "cancelled", "expired":
		return domain.OrderStatusCancelled
	case "rejected", "error":
		return domain.OrderStatusRejected
	case "open", "pending", "submitted", "calculated", "accepted_for_bidding", "held":
		return domain.OrderStatusPending
	default:
		return domain.OrderStatusUnknown
	}
}
