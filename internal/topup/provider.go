// Package topup wraps the external card-loading provider: feature checks,
// recipient tag validation, fiat quoting, and top-up execution.
package topup

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ServerSettings is the provider's feature gate for top-ups.
type ServerSettings struct {
	TopUpEnabled bool
	MinAmountEUR decimal.Decimal
	MaxAmountEUR decimal.Decimal
}

// Quote is a fiat valuation of a token amount plus the provider-specific
// transfer instructions needed to execute the top-up.
type Quote struct {
	FiatAmount   decimal.Decimal
	TransferData json.RawMessage
}

// Hooks surface intermediate progress of a top-up execution. The caller
// forwards these observations; it does not act on them.
type Hooks struct {
	OnHashGenerate func(txHash string)
	OnStepChange   func(step int)
}

// Request describes one top-up execution.
type Request struct {
	Account      string
	TokenAddress string
	Decimals     uint8
	Amount       string
	Network      string
	Tag          string
	TransferData json.RawMessage
}

// Provider is the fiat/card provider port consumed by the pipeline.
type Provider interface {
	ServerSettings(ctx context.Context) (ServerSettings, error)
	ValidateTag(ctx context.Context, tag string) (bool, error)
	QuoteFiat(ctx context.Context, tokenAddress string, decimals uint8, amount, network string) (Quote, error)
	ExecuteTopUp(ctx context.Context, req Request, hooks Hooks) error
}

// networkNames maps chain display names to provider network identifiers.
var networkNames = map[string]string{
	"arbitrum one": "arbitrum",
	"arbitrum":     "arbitrum",
	"polygon":      "polygon",
	"ethereum":     "ethereum",
	"optimism":     "optimism",
	"op mainnet":   "optimism",
}

// MapNetwork translates a chain's display name to the provider's network
// identifier. Unknown names pass through lowercased.
func MapNetwork(chainName string) string {
	name := strings.ToLower(chainName)
	if mapped, ok := networkNames[name]; ok {
		return mapped
	}
	return name
}
