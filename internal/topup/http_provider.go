package topup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"loantocard/internal/hmacauth"
)

// HTTPProvider calls the provider's REST API. Requests are HMAC-signed with
// the shared secret using the same signature scheme the inbound API expects.
type HTTPProvider struct {
	baseURL string
	secret  string
	client  *http.Client
}

type HTTPProviderConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Request-Timestamp", ts)
		req.Header.Set("X-Request-Signature", hmacauth.Sign(p.secret, ts, payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider request: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider response: decode: %w", err)
	}
	return nil
}

func (p *HTTPProvider) ServerSettings(ctx context.Context) (ServerSettings, error) {
	var payload struct {
		External struct {
			IsTopupEnabled    bool   `json:"isTopupEnabled"`
			MinTopUpAmountEUR string `json:"minTopUpAmountInEUR"`
			MaxTopUpAmountEUR string `json:"maxTopUpAmountInEUR"`
		} `json:"external"`
	}
	if err := p.do(ctx, http.MethodGet, "/settings", nil, &payload); err != nil {
		return ServerSettings{}, err
	}

	settings := ServerSettings{TopUpEnabled: payload.External.IsTopupEnabled}
	if min, err := decimal.NewFromString(payload.External.MinTopUpAmountEUR); err == nil {
		settings.MinAmountEUR = min
	}
	if max, err := decimal.NewFromString(payload.External.MaxTopUpAmountEUR); err == nil {
		settings.MaxAmountEUR = max
	}
	return settings, nil
}

func (p *HTTPProvider) ValidateTag(ctx context.Context, tag string) (bool, error) {
	var payload struct {
		Valid bool `json:"valid"`
	}
	if err := p.do(ctx, http.MethodGet, "/tags/"+url.PathEscape(tag), nil, &payload); err != nil {
		return false, err
	}
	return payload.Valid, nil
}

func (p *HTTPProvider) QuoteFiat(ctx context.Context, tokenAddress string, decimals uint8, amount, network string) (Quote, error) {
	body := map[string]interface{}{
		"tokenAddress": tokenAddress,
		"decimals":     decimals,
		"amount":       amount,
		"network":      network,
	}
	var payload struct {
		EURAmount    string          `json:"eurAmount"`
		TransferData json.RawMessage `json:"transferData"`
	}
	if err := p.do(ctx, http.MethodPost, "/quotes", body, &payload); err != nil {
		return Quote{}, err
	}

	fiat, err := decimal.NewFromString(payload.EURAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("provider quote: bad eur amount %q: %w", payload.EURAmount, err)
	}
	return Quote{FiatAmount: fiat, TransferData: payload.TransferData}, nil
}

func (p *HTTPProvider) ExecuteTopUp(ctx context.Context, req Request, hooks Hooks) error {
	body := map[string]interface{}{
		"account":      req.Account,
		"tokenAddress": req.TokenAddress,
		"decimals":     req.Decimals,
		"amount":       req.Amount,
		"network":      req.Network,
		"tag":          req.Tag,
		"transferData": req.TransferData,
	}
	var payload struct {
		TxHash string `json:"txHash"`
		Steps  int    `json:"steps"`
	}
	if err := p.do(ctx, http.MethodPost, "/topups", body, &payload); err != nil {
		return err
	}

	if hooks.OnHashGenerate != nil && payload.TxHash != "" {
		hooks.OnHashGenerate(payload.TxHash)
	}
	if hooks.OnStepChange != nil {
		for step := 1; step <= payload.Steps; step++ {
			hooks.OnStepChange(step)
		}
	}
	return nil
}
