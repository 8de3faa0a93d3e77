package rates

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"loantocard/internal/registry"
)

// Source resolves the live annual yield rate of a vault, keyed by chain and
// underlying token address.
type Source interface {
	AnnualRate(ctx context.Context, chainID int64, underlyingToken string) (decimal.Decimal, error)
}

// RatedVault is a vault annotated with its live APR. When the rate feed for
// this vault failed, Available is false and APR is zero.
type RatedVault struct {
	registry.Vault
	APR       decimal.Decimal
	Available bool
}

// Resolver annotates candidate vaults with live rates.
type Resolver struct {
	source Source
	reg    *registry.Registry
	log    *slog.Logger
}

func NewResolver(source Source, reg *registry.Registry, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{source: source, reg: reg, log: log}
}

// Annotate looks up the rate of every vault concurrently and returns once
// all lookups have settled. A failing feed degrades that one vault to
// unavailable; it never hides the other strategies.
func (r *Resolver) Annotate(ctx context.Context, chainID int64, vaults []registry.Vault) []RatedVault {
	rated := make([]RatedVault, len(vaults))

	var wg sync.WaitGroup
	for i, v := range vaults {
		wg.Add(1)
		go func(i int, v registry.Vault) {
			defer wg.Done()
			rated[i] = r.rateOne(ctx, chainID, v)
		}(i, v)
	}
	wg.Wait()

	return rated
}

func (r *Resolver) rateOne(ctx context.Context, chainID int64, v registry.Vault) RatedVault {
	tok, err := r.reg.TokenFor(chainID, registry.DepositAsset(v.UnderlyingSymbol))
	if err != nil {
		r.log.Warn("no underlying token for vault", "vault", v.Address, "underlying", v.UnderlyingSymbol, "err", err)
		return RatedVault{Vault: v}
	}

	apr, err := r.source.AnnualRate(ctx, chainID, tok.Address)
	if err != nil {
		r.log.Warn("rate lookup failed", "vault", v.Address, "err", err)
		return RatedVault{Vault: v}
	}
	return RatedVault{Vault: v, APR: apr, Available: true}
}

// StrategiesFor resolves the chain's candidate vaults for asset and annotates
// them with live rates.
func (r *Resolver) StrategiesFor(ctx context.Context, chainID int64, asset registry.DepositAsset) []RatedVault {
	return r.Annotate(ctx, chainID, r.reg.StrategiesFor(chainID, asset))
}
