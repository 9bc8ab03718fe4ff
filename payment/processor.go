package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ProcessorClient is the remote payment processor surface the reconciler
// depends on. The HTTP implementation talks to the real API; tests substitute
// an in-memory fake.
type ProcessorClient interface {
	EnsureCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateInvoice(ctx context.Context, params RemoteInvoiceParams) (RemoteInvoice, error)
	FinalizeInvoice(ctx context.Context, processorInvoiceID string) (RemoteInvoice, error)
	PayInvoice(ctx context.Context, processorInvoiceID string) (RemoteCharge, error)
}

// CustomerParams identifies the claimant on the processor side.
type CustomerParams struct {
	CustomerID string `json:"-"` // existing processor customer, empty to create
	Email      string `json:"email"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
}

// RemoteLineParams mirrors one local invoice line onto the processor.
type RemoteLineParams struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	AmountCents int64  `json:"amount_cents"`
}

type RemoteInvoiceParams struct {
	CustomerID    string             `json:"customer_id"`
	InvoiceNumber string             `json:"invoice_number"`
	DueDate       time.Time          `json:"due_date"`
	Currency      string             `json:"currency"`
	Lines         []RemoteLineParams `json:"lines"`
}

type RemoteInvoice struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	HostedURL string `json:"hosted_url"`
}

type RemoteCharge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Paid   bool   `json:"paid"`
}

// ProcessorError is a non-2xx processor response. Declines are expected
// outcomes the caller handles; anything else is infrastructure failure.
type ProcessorError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	DeclineCode string `json:"decline_code"`
}

func (e *ProcessorError) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("payment: processor declined (%s): %s", e.DeclineCode, e.Message)
	}
	return fmt.Sprintf("payment: processor error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Declined reports whether the charge was refused by the card network rather
// than failed by infrastructure.
func (e *ProcessorError) Declined() bool {
	return e.DeclineCode != "" || e.Code == "card_declined"
}

// HTTPClient implements ProcessorClient over the processor's JSON API.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *HTTPClient) EnsureCustomer(ctx context.Context, params CustomerParams) (string, error) {
	if params.CustomerID != "" {
		return params.CustomerID, nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/customers", params, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("payment: processor returned empty customer id")
	}
	return out.ID, nil
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, params RemoteInvoiceParams) (RemoteInvoice, error) {
	var out RemoteInvoice
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", params, &out); err != nil {
		return RemoteInvoice{}, err
	}
	return out, nil
}

func (c *HTTPClient) FinalizeInvoice(ctx context.Context, processorInvoiceID string) (RemoteInvoice, error) {
	var out RemoteInvoice
	path := fmt.Sprintf("/v1/invoices/%s/finalize", processorInvoiceID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return RemoteInvoice{}, err
	}
	return out, nil
}

func (c *HTTPClient) PayInvoice(ctx context.Context, processorInvoiceID string) (RemoteCharge, error) {
	var out RemoteCharge
	path := fmt.Sprintf("/v1/invoices/%s/pay", processorInvoiceID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return RemoteCharge{}, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("payment: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("payment: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		// the processor dedupes retried mutations on this key
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("payment: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		procErr := &ProcessorError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, procErr); err != nil || procErr.Message == "" {
			procErr.Message = string(raw)
		}
		return procErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("payment: decode response: %w", err)
		}
	}
	return nil
}
