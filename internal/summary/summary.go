// Package summary computes the figures shown to the user for explicit
// confirmation before a pipeline run: collateral, projected earnings at the
// strategy's live APR, and the debt the fixed loan-to-value policy will mint.
package summary

import (
	"fmt"

	"github.com/shopspring/decimal"

	"loantocard/internal/amounts"
	"loantocard/internal/rates"
	"loantocard/internal/registry"
)

// Confirmation is the figure set presented for approval. Amounts are decimal
// strings in the deposit asset's units; debt is in the loan asset.
type Confirmation struct {
	Mode             string            `json:"mode"`
	DepositAsset     string            `json:"depositAsset"`
	CollateralAmount string            `json:"collateralAmount"`
	Strategy         string            `json:"strategy"`
	StrategyLabel    string            `json:"strategyLabel"`
	APR              string            `json:"apr"`
	APRAvailable     bool              `json:"aprAvailable"`
	Earnings         map[string]string `json:"estimatedEarnings"`
	ExpectedDebt     string            `json:"expectedDebt"`
	LoanAsset        string            `json:"loanAsset"`
}

// Build derives confirmation figures for depositing amount into strategy.
// An unavailable APR zeroes the earnings figures but is not an error; the
// debt figure depends only on the amount.
func Build(mode string, asset registry.DepositAsset, amount string, strategy rates.RatedVault) (Confirmation, error) {
	amountDec, err := decimal.NewFromString(amount)
	if err != nil || amountDec.Sign() <= 0 {
		return Confirmation{}, fmt.Errorf("invalid deposit amount: %q", amount)
	}
	synth, err := registry.SynthFor(asset)
	if err != nil {
		return Confirmation{}, err
	}

	breakdown := amounts.EarningsBreakdown(amountDec, strategy.APR)

	return Confirmation{
		Mode:             mode,
		DepositAsset:     string(asset),
		CollateralAmount: amountDec.String(),
		Strategy:         strategy.Address,
		StrategyLabel:    strategy.Label,
		APR:              strategy.APR.String(),
		APRAvailable:     strategy.Available,
		Earnings: map[string]string{
			"daily":   breakdown.Daily.StringFixed(8),
			"weekly":  breakdown.Weekly.StringFixed(8),
			"monthly": breakdown.Monthly.StringFixed(8),
			"yearly":  breakdown.Yearly.StringFixed(8),
		},
		ExpectedDebt: amounts.ExpectedDebt(amountDec).String(),
		LoanAsset:    string(synth),
	}, nil
}
