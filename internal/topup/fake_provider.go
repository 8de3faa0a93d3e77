package topup

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"
)

// FakeProvider scripts provider behavior for tests and keyless local runs.
type FakeProvider struct {
	mu    sync.Mutex
	calls []string

	Settings    ServerSettings
	SettingsErr error
	ValidTags   map[string]bool
	TagErr      error
	Rate        decimal.Decimal // fiat per token unit
	QuoteErr    error
	TopUpErr    error
	TopUpHash   string
	TopUpSteps  int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Settings:   ServerSettings{TopUpEnabled: true},
		ValidTags:  make(map[string]bool),
		Rate:       decimal.NewFromInt(1),
		TopUpHash:  "0xtopup",
		TopUpSteps: 3,
	}
}

// Calls returns the recorded provider calls in order.
func (f *FakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeProvider) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *FakeProvider) ServerSettings(_ context.Context) (ServerSettings, error) {
	f.record("settings")
	if f.SettingsErr != nil {
		return ServerSettings{}, f.SettingsErr
	}
	return f.Settings, nil
}

func (f *FakeProvider) ValidateTag(_ context.Context, tag string) (bool, error) {
	f.record("validateTag")
	if f.TagErr != nil {
		return false, f.TagErr
	}
	return f.ValidTags[tag], nil
}

func (f *FakeProvider) QuoteFiat(_ context.Context, _ string, _ uint8, amount, _ string) (Quote, error) {
	f.record("quote")
	if f.QuoteErr != nil {
		return Quote{}, f.QuoteErr
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		FiatAmount:   amt.Mul(f.Rate),
		TransferData: json.RawMessage(`{"route":"fake"}`),
	}, nil
}

func (f *FakeProvider) ExecuteTopUp(_ context.Context, _ Request, hooks Hooks) error {
	f.record("topup")
	if f.TopUpErr != nil {
		return f.TopUpErr
	}
	if hooks.OnHashGenerate != nil {
		hooks.OnHashGenerate(f.TopUpHash)
	}
	if hooks.OnStepChange != nil {
		for step := 1; step <= f.TopUpSteps; step++ {
			hooks.OnStepChange(step)
		}
	}
	return nil
}
