package registry

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

// DepositAsset is one of the statically known collateral assets.
type DepositAsset string

const (
	AssetETH  DepositAsset = "ETH"
	AssetWETH DepositAsset = "WETH"
	AssetUSDC DepositAsset = "USDC"
	AssetDAI  DepositAsset = "DAI"
	AssetUSDT DepositAsset = "USDT"
)

// DepositAssets is the closed set of accepted deposit assets.
var DepositAssets = []DepositAsset{AssetETH, AssetWETH, AssetUSDC, AssetDAI, AssetUSDT}

// SynthAsset is a protocol-issued debt token minted against collateral.
type SynthAsset string

const (
	SynthALUSD SynthAsset = "alUSD"
	SynthALETH SynthAsset = "alETH"
)

var (
	ErrUnknownAsset      = errors.New("unknown deposit asset")
	ErrUnknownChain      = errors.New("unknown chain")
	ErrAlchemistNotFound = errors.New("alchemist not found")
	ErrTokenNotFound     = errors.New("token not found")
)

// Chain describes one supported network.
type Chain struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	NativeSymbol   string `json:"nativeSymbol"`
	NativeDecimals int    `json:"nativeDecimals"`
}

// Token is an ERC20 contract entry.
type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

// Vault is a yield strategy accepting one underlying asset. WETH vaults that
// accept native ETH carry a gateway address.
type Vault struct {
	Address          string `json:"address"`
	Label            string `json:"label"`
	UnderlyingSymbol string `json:"underlyingSymbol"`
	YieldSymbol      string `json:"yieldSymbol"`
	WETHGateway      string `json:"wethGateway,omitempty"`
}

// Alchemist issues one synthetic asset's debt on one chain.
type Alchemist struct {
	Address   string     `json:"address"`
	SynthType SynthAsset `json:"synthType"`
}

// ChainConfig is the per-chain address table.
type ChainConfig struct {
	Chain       Chain                `json:"chain"`
	Tokens      []Token              `json:"tokens"`
	Vaults      []Vault              `json:"vaults"`
	Alchemists  []Alchemist          `json:"alchemists"`
	SynthTokens map[SynthAsset]Token `json:"synthTokens"`
}

// Registry holds validated per-chain configuration, keyed by chain id.
type Registry struct {
	chains map[int64]ChainConfig
}

// IsDepositAsset reports membership in the closed deposit-asset set.
func IsDepositAsset(asset DepositAsset) bool {
	return lo.Contains(DepositAssets, asset)
}

// SynthFor maps a deposit asset to the synthetic debt asset it produces.
// The mapping is total over the closed set; anything else is a
// configuration error.
func SynthFor(asset DepositAsset) (SynthAsset, error) {
	switch asset {
	case AssetUSDC, AssetDAI, AssetUSDT:
		return SynthALUSD, nil
	case AssetWETH, AssetETH:
		return SynthALETH, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
}

// New validates the given chain tables and builds a Registry.
func New(chains []ChainConfig) (*Registry, error) {
	byID := make(map[int64]ChainConfig, len(chains))
	for _, cc := range chains {
		if cc.Chain.ID == 0 {
			return nil, fmt.Errorf("chain %q: missing id", cc.Chain.Name)
		}
		if _, dup := byID[cc.Chain.ID]; dup {
			return nil, fmt.Errorf("duplicate chain id %d", cc.Chain.ID)
		}
		if err := validateChain(cc); err != nil {
			return nil, fmt.Errorf("chain %d: %w", cc.Chain.ID, err)
		}
		byID[cc.Chain.ID] = cc
	}
	return &Registry{chains: byID}, nil
}

func validateChain(cc ChainConfig) error {
	tokens := lo.SliceToMap(cc.Tokens, func(t Token) (string, Token) {
		return t.Symbol, t
	})
	for _, v := range cc.Vaults {
		if v.Address == "" {
			return fmt.Errorf("vault %q: missing address", v.Label)
		}
		if _, ok := tokens[v.UnderlyingSymbol]; !ok {
			return fmt.Errorf("vault %q: no token entry for underlying %s", v.Label, v.UnderlyingSymbol)
		}
	}
	for _, a := range cc.Alchemists {
		if a.SynthType != SynthALUSD && a.SynthType != SynthALETH {
			return fmt.Errorf("alchemist %s: unknown synth type %q", a.Address, a.SynthType)
		}
		if _, ok := cc.SynthTokens[a.SynthType]; !ok {
			return fmt.Errorf("alchemist %s: no synth token entry for %s", a.Address, a.SynthType)
		}
	}
	return nil
}

// Chain returns the chain metadata for id.
func (r *Registry) Chain(chainID int64) (Chain, error) {
	cc, ok := r.chains[chainID]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return cc.Chain, nil
}

// ChainIDs lists the configured chains.
func (r *Registry) ChainIDs() []int64 {
	return lo.Keys(r.chains)
}

// StrategiesFor filters the chain's vault table to those accepting asset.
// Native ETH matches WETH vaults that expose a gateway. An unknown chain or
// an asset with no vaults yields an empty slice, not an error.
func (r *Registry) StrategiesFor(chainID int64, asset DepositAsset) []Vault {
	cc, ok := r.chains[chainID]
	if !ok {
		return nil
	}
	if asset == AssetETH {
		return lo.Filter(cc.Vaults, func(v Vault, _ int) bool {
			return v.UnderlyingSymbol == string(AssetWETH) && v.WETHGateway != ""
		})
	}
	return lo.Filter(cc.Vaults, func(v Vault, _ int) bool {
		return v.UnderlyingSymbol == string(asset)
	})
}

// VaultByAddress finds a vault in the chain's table.
func (r *Registry) VaultByAddress(chainID int64, address string) (Vault, bool) {
	cc, ok := r.chains[chainID]
	if !ok {
		return Vault{}, false
	}
	return lo.Find(cc.Vaults, func(v Vault) bool {
		return v.Address == address
	})
}

// AlchemistFor returns the chain's debt issuer for the given synth type.
// Absence is a hard error; there is never a fallback to a different synth.
func (r *Registry) AlchemistFor(chainID int64, synth SynthAsset) (Alchemist, error) {
	cc, ok := r.chains[chainID]
	if !ok {
		return Alchemist{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	a, found := lo.Find(cc.Alchemists, func(a Alchemist) bool {
		return a.SynthType == synth
	})
	if !found {
		return Alchemist{}, fmt.Errorf("%w: no alchemist for %s on chain %d", ErrAlchemistNotFound, synth, chainID)
	}
	return a, nil
}

// TokenFor resolves the ERC20 contract for a deposit asset. Native ETH
// resolves to the chain's WETH entry, which the gateway wraps on deposit.
func (r *Registry) TokenFor(chainID int64, asset DepositAsset) (Token, error) {
	cc, ok := r.chains[chainID]
	if !ok {
		return Token{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	symbol := string(asset)
	if asset == AssetETH {
		symbol = string(AssetWETH)
	}
	t, found := lo.Find(cc.Tokens, func(t Token) bool {
		return t.Symbol == symbol
	})
	if !found {
		return Token{}, fmt.Errorf("%w: %s on chain %d", ErrTokenNotFound, symbol, chainID)
	}
	return t, nil
}

// SynthTokenFor resolves the synthetic token contract for a synth type.
func (r *Registry) SynthTokenFor(chainID int64, synth SynthAsset) (Token, error) {
	cc, ok := r.chains[chainID]
	if !ok {
		return Token{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	t, ok := cc.SynthTokens[synth]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s on chain %d", ErrTokenNotFound, synth, chainID)
	}
	return t, nil
}

// DepositAssetsFor lists the assets that have at least one usable vault on
// the chain, including ETH when a gateway-enabled WETH vault exists.
func (r *Registry) DepositAssetsFor(chainID int64) []DepositAsset {
	cc, ok := r.chains[chainID]
	if !ok {
		return nil
	}
	symbols := lo.Uniq(lo.Map(cc.Vaults, func(v Vault, _ int) string {
		return v.UnderlyingSymbol
	}))
	assets := lo.FilterMap(symbols, func(s string, _ int) (DepositAsset, bool) {
		a := DepositAsset(s)
		return a, IsDepositAsset(a)
	})
	hasGateway := lo.SomeBy(cc.Vaults, func(v Vault) bool {
		return v.UnderlyingSymbol == string(AssetWETH) && v.WETHGateway != ""
	})
	if hasGateway {
		assets = append(assets, AssetETH)
	}
	return assets
}
