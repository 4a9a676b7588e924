// Package registry provides the static token registry: the mapping of
// (chain, symbol) to on-chain address and decimals, plus the closed set of
// permitted swap pairs. It is pure and does no I/O.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PrabalParihar/omnimonster-sub000/internal/config"
)

// Registry lookup errors.
var (
	ErrUnknownToken = errors.New("unknown token")
	ErrUnknownPair  = errors.New("pair not permitted")
)

// Token describes one supported token on one chain.
type Token struct {
	Chain    string
	Symbol   string
	Address  string // zero address for the chain's native asset
	Decimals uint8
	Icon     string
}

// NativeAddress is the sentinel address for a chain's native asset.
const NativeAddress = "0x0000000000000000000000000000000000000000"

// IsNative reports whether the token is the chain's native asset.
func (t *Token) IsNative() bool {
	return strings.EqualFold(t.Address, NativeAddress)
}

// Pair is one permitted swap direction with its reference rate.
type Pair struct {
	SourceChain string
	SourceToken string
	TargetChain string
	TargetToken string

	// Rate is target units per source unit in whole-token terms.
	Rate float64
}

// Registry holds the token and pair tables.
type Registry struct {
	tokens map[string]*Token
	pairs  map[string]*Pair
}

func tokenKey(chain, symbol string) string {
	return strings.ToLower(chain) + "/" + strings.ToUpper(symbol)
}

func pairKey(sourceChain, sourceToken, targetChain, targetToken string) string {
	return tokenKey(sourceChain, sourceToken) + ">" + tokenKey(targetChain, targetToken)
}

// New builds a registry from configuration. Duplicate tokens or pairs are
// rejected; pair token references are assumed validated by config.Validate.
func New(tokens []config.TokenConfig, pairs []config.PairConfig) (*Registry, error) {
	r := &Registry{
		tokens: make(map[string]*Token, len(tokens)),
		pairs:  make(map[string]*Pair, len(pairs)),
	}

	for _, t := range tokens {
		key := tokenKey(t.Chain, t.Symbol)
		if _, exists := r.tokens[key]; exists {
			return nil, fmt.Errorf("duplicate token %s/%s", t.Chain, t.Symbol)
		}
		r.tokens[key] = &Token{
			Chain:    t.Chain,
			Symbol:   strings.ToUpper(t.Symbol),
			Address:  t.Address,
			Decimals: t.Decimals,
			Icon:     t.Icon,
		}
	}

	for _, p := range pairs {
		key := pairKey(p.SourceChain, p.SourceToken, p.TargetChain, p.TargetToken)
		if _, exists := r.pairs[key]; exists {
			return nil, fmt.Errorf("duplicate pair %s/%s -> %s/%s",
				p.SourceChain, p.SourceToken, p.TargetChain, p.TargetToken)
		}
		r.pairs[key] = &Pair{
			SourceChain: p.SourceChain,
			SourceToken: strings.ToUpper(p.SourceToken),
			TargetChain: p.TargetChain,
			TargetToken: strings.ToUpper(p.TargetToken),
			Rate:        p.Rate,
		}
	}

	return r, nil
}

// Token returns the token for (chain, symbol).
func (r *Registry) Token(chain, symbol string) (*Token, error) {
	t, ok := r.tokens[tokenKey(chain, symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownToken, chain, symbol)
	}
	return t, nil
}

// Pair returns the permitted pair for the given direction.
func (r *Registry) Pair(sourceChain, sourceToken, targetChain, targetToken string) (*Pair, error) {
	p, ok := r.pairs[pairKey(sourceChain, sourceToken, targetChain, targetToken)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s -> %s/%s",
			ErrUnknownPair, sourceChain, sourceToken, targetChain, targetToken)
	}
	return p, nil
}

// TokensForChain returns all tokens registered on a chain.
func (r *Registry) TokensForChain(chain string) []*Token {
	var out []*Token
	prefix := strings.ToLower(chain) + "/"
	for key, t := range r.tokens {
		if strings.HasPrefix(key, prefix) {
			out = append(out, t)
		}
	}
	return out
}

// Pairs returns all permitted pairs.
func (r *Registry) Pairs() []*Pair {
	out := make([]*Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}
