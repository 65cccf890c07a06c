// Package xess provides fixed-point integer arithmetic for XESS token
// amounts. Two scales exist side by side: the reward ledger stores amounts
// with 6 decimals, while the on-chain token mint uses 9. Conversions between
// the two are explicit and exact; no float ever touches a monetary value.
package xess

import (
	"fmt"
	"strings"
)

const (
	// LedgerDecimals is the scale of reward ledger amounts.
	LedgerDecimals = 6
	// MintDecimals is the scale of on-chain token amounts.
	MintDecimals = 9

	// LedgerUnit is one whole XESS in ledger units.
	LedgerUnit = Amount6(1_000_000)
	// MintScale converts ledger units to mint units: 10^(9-6).
	MintScale = 1000
)

// Amount6 is an atomic token amount at ledger scale (6 decimals).
type Amount6 int64

// Amount9 is an atomic token amount at mint scale (9 decimals).
type Amount9 int64

// Bps is a ratio in integer basis points (1/10000).
type Bps int64

// BpsBase is 100% in basis points.
const BpsBase Bps = 10_000

// PpmBase is 100% in parts per million, used for proportional scale-down.
const PpmBase int64 = 1_000_000

// ToMint converts a ledger amount to mint scale. The conversion is exact:
// mint scale is a strict superset of ledger scale.
func (a Amount6) ToMint() Amount9 {
	return Amount9(int64(a) * MintScale)
}

// MulBps returns floor(a * bps / 10000).
func (a Amount6) MulBps(bps Bps) Amount6 {
	return Amount6(int64(a) * int64(bps) / int64(BpsBase))
}

// MulPpm returns floor(a * ppm / 1e6).
func (a Amount6) MulPpm(ppm int64) Amount6 {
	return Amount6(int64(a) * ppm / PpmBase)
}

// Whole returns a whole-token ledger amount.
func Whole(n int64) Amount6 {
	return Amount6(n) * LedgerUnit
}

// Format renders a ledger amount as a human-readable decimal string with
// trailing zeros trimmed, e.g. 500000250000 -> "500000.25".
func (a Amount6) Format() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / int64(LedgerUnit)
	frac := v % int64(LedgerUnit)
	s := fmt.Sprintf("%d", whole)
	if frac != 0 {
		f := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
		s = s + "." + f
	}
	if neg {
		return "-" + s
	}
	return s
}

// Format renders a mint amount as a human-readable decimal string.
func (a Amount9) Format() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / 1_000_000_000
	frac := v % 1_000_000_000
	s := fmt.Sprintf("%d", whole)
	if frac != 0 {
		f := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
		s = s + "." + f
	}
	if neg {
		return "-" + s
	}
	return s
}

// Sum6 adds ledger amounts.
func Sum6(amounts []Amount6) Amount6 {
	var total Amount6
	for _, a := range amounts {
		total += a
	}
	return total
}

// ScalePpm computes the parts-per-million factor that fits owed into budget.
// Returns PpmBase (no scaling) when owed already fits or is zero.
func ScalePpm(owed, budget Amount6) int64 {
	if owed <= budget || owed == 0 {
		return PpmBase
	}
	return int64(budget) * PpmBase / int64(owed)
}
