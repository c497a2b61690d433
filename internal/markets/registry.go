// Package markets holds the static registry of tracked lending markets.
package markets

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lendscan/lending-indexer/internal/domain"
)

// Registry maps token symbols and market contract addresses to their Token
// descriptors. It is built once at startup and never mutated afterwards;
// callers receive it explicitly instead of reading global state.
type Registry struct {
	comptroller string
	tokens      []domain.Token
	bySymbol    map[string]domain.Token
	byAddress   map[string]domain.Token
}

// NewRegistry builds a registry from the configured market list.
// Duplicate symbols or addresses and malformed addresses are configuration
// errors and fail construction.
func NewRegistry(comptroller string, tokens []domain.Token) (*Registry, error) {
	if !common.IsHexAddress(comptroller) {
		return nil, fmt.Errorf("invalid comptroller address: %s", comptroller)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no markets configured")
	}

	r := &Registry{
		comptroller: domain.NormalizeAddress(comptroller),
		tokens:      make([]domain.Token, 0, len(tokens)),
		bySymbol:    make(map[string]domain.Token, len(tokens)),
		byAddress:   make(map[string]domain.Token, len(tokens)),
	}

	for _, t := range tokens {
		if t.Symbol == "" {
			return nil, fmt.Errorf("market with empty symbol (address %s)", t.Address)
		}
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("market %s: invalid contract address: %s", t.Symbol, t.Address)
		}

		t.Address = domain.NormalizeAddress(t.Address)
		if _, ok := r.bySymbol[t.Symbol]; ok {
			return nil, fmt.Errorf("duplicate market symbol: %s", t.Symbol)
		}
		if _, ok := r.byAddress[t.Address]; ok {
			return nil, fmt.Errorf("duplicate market address: %s", t.Address)
		}

		r.tokens = append(r.tokens, t)
		r.bySymbol[t.Symbol] = t
		r.byAddress[t.Address] = t
	}

	return r, nil
}

// Comptroller returns the protocol comptroller contract address
func (r *Registry) Comptroller() string {
	return r.comptroller
}

// Tokens returns the tracked markets in configuration order
func (r *Registry) Tokens() []domain.Token {
	out := make([]domain.Token, len(r.tokens))
	copy(out, r.tokens)
	return out
}

// Addresses returns the market contract addresses for log filtering
func (r *Registry) Addresses() []common.Address {
	out := make([]common.Address, len(r.tokens))
	for i, t := range r.tokens {
		out[i] = common.HexToAddress(t.Address)
	}
	return out
}

// BySymbol looks up a market by its token symbol
func (r *Registry) BySymbol(symbol string) (domain.Token, bool) {
	t, ok := r.bySymbol[symbol]
	return t, ok
}

// ByAddress looks up a market by its contract address
func (r *Registry) ByAddress(address string) (domain.Token, bool) {
	t, ok := r.byAddress[domain.NormalizeAddress(address)]
	return t, ok
}
