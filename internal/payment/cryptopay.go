package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/logging"
)

const (
	cryptoPayTokenHeader     = "Crypto-Pay-API-Token"
	cryptoPaySignatureHeader = "Crypto-Pay-API-Signature"
)

// CryptoPay talks to the Crypto Pay API (https://help.crypt.bot/crypto-pay-api).
type CryptoPay struct {
	baseURL string
	token   string
	client  *http.Client
	guard   *guard
	logger  zerolog.Logger
}

type CryptoPayOption func(*CryptoPay)

func WithHTTPClient(c *http.Client) CryptoPayOption {
	return func(p *CryptoPay) {
		if c != nil {
			p.client = c
		}
	}
}

func WithCryptoPayLogger(l zerolog.Logger) CryptoPayOption {
	return func(p *CryptoPay) {
		p.logger = l
	}
}

func NewCryptoPay(baseURL, token string, guardCfg GuardConfig, opts ...CryptoPayOption) *CryptoPay {
	p := &CryptoPay{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logging.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.guard = newGuard("cryptopay", guardCfg, p.logger)
	return p
}

func (p *CryptoPay) Name() string { return "cryptopay" }

type cryptoPayResponse[T any] struct {
	OK     bool `json:"ok"`
	Result T    `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error,omitempty"`
}

type cryptoPayInvoice struct {
	InvoiceID     int64      `json:"invoice_id"`
	Status        string     `json:"status"`
	PayURL        string     `json:"pay_url"`
	BotInvoiceURL string     `json:"bot_invoice_url"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

type createInvoiceRequest struct {
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

func (p *CryptoPay) CreateInvoice(ctx context.Context, amount decimal.Decimal, currency, description string) (domain.Invoice, error) {
	return call(ctx, p.guard, "create_invoice", func(ctx context.Context) (domain.Invoice, error) {
		var inv cryptoPayInvoice
		err := p.post(ctx, "createInvoice", createInvoiceRequest{
			Asset:       strings.ToUpper(currency),
			Amount:      amount.String(),
			Description: description,
			Payload:     description,
		}, &inv)
		if err != nil {
			return domain.Invoice{}, err
		}
		payURL := inv.BotInvoiceURL
		if payURL == "" {
			payURL = inv.PayURL
		}
		return domain.Invoice{ID: strconv.FormatInt(inv.InvoiceID, 10), PayURL: payURL}, nil
	})
}

type getInvoicesRequest struct {
	InvoiceIDs string `json:"invoice_ids"`
}

type getInvoicesResult struct {
	Items []cryptoPayInvoice `json:"items"`
}

func (p *CryptoPay) GetInvoiceStatus(ctx context.Context, invoiceID string) (domain.InvoiceState, error) {
	return call(ctx, p.guard, "get_invoice", func(ctx context.Context) (domain.InvoiceState, error) {
		var res getInvoicesResult
		if err := p.post(ctx, "getInvoices", getInvoicesRequest{InvoiceIDs: strings.TrimSpace(invoiceID)}, &res); err != nil {
			return domain.InvoiceState{}, err
		}
		if len(res.Items) == 0 {
			return domain.InvoiceState{}, domain.ErrUnknownInvoice
		}
		inv := res.Items[0]
		return domain.InvoiceState{Status: invoiceStatus(inv.Status), PaidAt: inv.PaidAt}, nil
	})
}

func invoiceStatus(s string) domain.InvoiceStatus {
	switch s {
	case "paid":
		return domain.InvoiceStatusPaid
	case "expired":
		return domain.InvoiceStatusExpired
	default:
		return domain.InvoiceStatusActive
	}
}

// post calls method and decodes the result field into out. Transport errors
// and 5xx answers wrap domain.ErrProviderUnavailable; refused requests wrap
// errRejected.
func (p *CryptoPay) post(ctx context.Context, method string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("cryptopay %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("cryptopay %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cryptoPayTokenHeader, p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("cryptopay %s: %w: %v", method, domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("cryptopay %s: %w: read body: %v", method, domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("cryptopay %s: %w: status %d", method, domain.ErrProviderUnavailable, resp.StatusCode)
	}

	envelope := cryptoPayResponse[json.RawMessage]{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("cryptopay %s: decode: %w", method, err)
	}
	if !envelope.OK {
		name := "unknown"
		if envelope.Error != nil {
			name = envelope.Error.Name
		}
		p.logger.Error().Str("method", method).Int("status", resp.StatusCode).Str("error_name", name).Msg("cryptopay request refused")
		return fmt.Errorf("cryptopay %s: %w: %s", method, errRejected, name)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("cryptopay %s: decode result: %w", method, err)
	}
	return nil
}

// VerifySignature checks a webhook body against its signature header: the hex
// HMAC-SHA256 of the body keyed with SHA-256 of the API token.
func (p *CryptoPay) VerifySignature(body []byte, signature string) error {
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	secret := sha256.Sum256([]byte(p.token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type cryptoPayUpdate struct {
	UpdateType string            `json:"update_type"`
	Payload    *cryptoPayInvoice `json:"payload"`
	// Flat form: some relays forward the invoice fields at the top level.
	InvoiceID json.RawMessage `json:"invoice_id"`
	Status    string          `json:"status"`
}

// ParseWebhook verifies and decodes a webhook. ok is false for updates that
// do not describe an invoice.
func (p *CryptoPay) ParseWebhook(header http.Header, body []byte) (sig domain.PaymentSignal, ok bool, err error) {
	if err := p.VerifySignature(body, header.Get(cryptoPaySignatureHeader)); err != nil {
		return domain.PaymentSignal{}, false, err
	}

	var upd cryptoPayUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return domain.PaymentSignal{}, false, fmt.Errorf("decode cryptopay webhook: %w", err)
	}

	switch {
	case upd.Payload != nil && upd.Payload.InvoiceID != 0:
		status := upd.Payload.Status
		if status == "" && upd.UpdateType == "invoice_paid" {
			status = "paid"
		}
		return domain.PaymentSignal{
			InvoiceID: strconv.FormatInt(upd.Payload.InvoiceID, 10),
			Status:    invoiceStatus(status),
			PaidAt:    upd.Payload.PaidAt,
			Source:    domain.SignalSourceWebhook,
		}, true, nil
	case len(upd.InvoiceID) > 0 && string(upd.InvoiceID) != "null":
		return domain.PaymentSignal{
			InvoiceID: strings.Trim(string(upd.InvoiceID), `"`),
			Status:    invoiceStatus(upd.Status),
			Source:    domain.SignalSourceWebhook,
		}, true, nil
	default:
		return domain.PaymentSignal{}, false, nil
	}
}
