// Package pricing quotes expected swap output and validates requested
// amounts against reference rates. Quotes are advisory; validation is what
// keeps the pool from fulfilling mispriced swaps.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/PrabalParihar/omnimonster-sub000/internal/registry"
)

// ErrPriceUnreasonable is returned when a requested amount deviates from
// the reference quote beyond the acceptance band.
var ErrPriceUnreasonable = errors.New("price unreasonable")

// DefaultBand is the widest accepted deviation from the reference quote.
// A swap's own slippage tolerance can tighten it, never widen it.
const DefaultBand = 0.05

// Source quotes the expected target amount for a source amount, both in
// smallest units of their respective tokens.
type Source interface {
	Quote(ctx context.Context, sourceChain, sourceToken, targetChain, targetToken string, sourceAmount *big.Int) (*big.Int, error)
}

// StaticSource quotes from the configured per-pair reference rates.
type StaticSource struct {
	registry *registry.Registry
}

// NewStaticSource returns a Source backed by the registry's pair rates.
func NewStaticSource(reg *registry.Registry) *StaticSource {
	return &StaticSource{registry: reg}
}

// Quote converts sourceAmount through the pair's rate, adjusting for the
// two tokens' decimal scales.
func (s *StaticSource) Quote(ctx context.Context, sourceChain, sourceToken, targetChain, targetToken string, sourceAmount *big.Int) (*big.Int, error) {
	if sourceAmount == nil || sourceAmount.Sign() <= 0 {
		return nil, fmt.Errorf("source amount must be positive")
	}

	pair, err := s.registry.Pair(sourceChain, sourceToken, targetChain, targetToken)
	if err != nil {
		return nil, err
	}
	src, err := s.registry.Token(sourceChain, sourceToken)
	if err != nil {
		return nil, err
	}
	tgt, err := s.registry.Token(targetChain, targetToken)
	if err != nil {
		return nil, err
	}

	out := new(big.Float).SetInt(sourceAmount)
	out.Mul(out, big.NewFloat(pair.Rate))

	shift := int(tgt.Decimals) - int(src.Decimals)
	if shift != 0 {
		scale := new(big.Float).SetInt(pow10(abs(shift)))
		if shift > 0 {
			out.Mul(out, scale)
		} else {
			out.Quo(out, scale)
		}
	}

	quote, _ := out.Int(nil)
	return quote, nil
}

// Validate checks a requested amount against the reference quote. The
// acceptance band is DefaultBand, tightened to the swap's slippage
// tolerance when that is stricter.
func Validate(quote, requested *big.Int, slippageTolerance float64) error {
	if quote == nil || quote.Sign() <= 0 {
		return fmt.Errorf("%w: no reference quote", ErrPriceUnreasonable)
	}
	if requested == nil || requested.Sign() <= 0 {
		return fmt.Errorf("%w: requested amount must be positive", ErrPriceUnreasonable)
	}

	band := DefaultBand
	if slippageTolerance > 0 && slippageTolerance < band {
		band = slippageTolerance
	}

	// |requested - quote| <= quote * band, in integer arithmetic scaled
	// to basis points.
	diff := new(big.Int).Sub(requested, quote)
	diff.Abs(diff)
	lhs := new(big.Int).Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(quote, big.NewInt(int64(band*10_000)))
	if lhs.Cmp(rhs) > 0 {
		return fmt.Errorf("%w: requested %s deviates from quote %s beyond %.2f%%",
			ErrPriceUnreasonable, requested, quote, band*100)
	}
	return nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
