package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bicimarket/bicimarket/internal/pkg/env"
)

const defaultMercadoPagoAPIBaseURL = "https://api.mercadopago.com"

// Gateway fetches the canonical payment object for a gateway payment id.
type Gateway interface {
	Configured() bool
	GetPayment(ctx context.Context, paymentID string) (*GatewayPayment, error)
}

// GatewayPayment is the subset of the MercadoPago payment resource the
// reconciliation flow reads.
type GatewayPayment struct {
	ID                flexString          `json:"id"`
	Status            string              `json:"status"`
	StatusDetail      string              `json:"status_detail"`
	TransactionAmount decimal.NullDecimal `json:"transaction_amount"`
	CurrencyID        string              `json:"currency_id"`
	ExternalReference string              `json:"external_reference"`
	Metadata          map[string]any      `json:"metadata"`
	DateCreated       *time.Time          `json:"date_created"`
	DateApproved      *time.Time          `json:"date_approved"`
	DateLastUpdated   *time.Time          `json:"date_last_updated"`

	Raw []byte `json:"-"`
}

// flexString accepts both JSON numbers and strings.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// ParseGatewayPayment decodes a raw payment resource and keeps the raw bytes.
func ParseGatewayPayment(body []byte) (*GatewayPayment, error) {
	var p GatewayPayment
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	p.Raw = append([]byte(nil), body...)
	return &p, nil
}

type MercadoPagoClient struct {
	AccessToken string
	APIBaseURL  string

	HTTPClient *http.Client
}

func NewMercadoPagoClientFromEnv() *MercadoPagoClient {
	return &MercadoPagoClient{
		AccessToken: strings.TrimSpace(env.GetEnv("MP_ACCESS_TOKEN", "")),
		APIBaseURL:  strings.TrimSpace(env.GetEnv("MP_API_BASE_URL", defaultMercadoPagoAPIBaseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Configured reports whether credentials are present.
func (c *MercadoPagoClient) Configured() bool {
	return c != nil && strings.TrimSpace(c.AccessToken) != ""
}

func (c *MercadoPagoClient) GetPayment(ctx context.Context, paymentID string) (*GatewayPayment, error) {
	if !c.Configured() {
		return nil, errors.New("MP_ACCESS_TOKEN is not configured")
	}
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, ErrPaymentIDRequired
	}

	baseURL := strings.TrimRight(c.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultMercadoPagoAPIBaseURL
	}
	u, err := url.Parse(baseURL + "/v1/payments/" + url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("invalid MP_API_BASE_URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mercadopago payment request failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	p, err := ParseGatewayPayment(body)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("mercadopago payment response missing id")
	}
	return p, nil
}
