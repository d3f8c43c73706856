package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the decimal precision of ether and of 18-decimal tokens such as LINK.
const EtherDecimals = 18

// ParseUnits converts a human-readable amount ("0.025") to its smallest unit.
// Digits beyond the given precision are truncated.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amounts not allowed")
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// FormatUnits converts a smallest-unit amount to a decimal string.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ToWei parses an ether amount.
func ToWei(ether string) (*big.Int, error) {
	return ParseUnits(ether, EtherDecimals)
}

// FromWei formats a wei amount as ether.
func FromWei(wei *big.Int) string {
	return FormatUnits(wei, EtherDecimals)
}

// Ether returns n whole ether in wei.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil))
}

// MustToWei is ToWei for constants; it panics on malformed input.
func MustToWei(ether string) *big.Int {
	wei, err := ToWei(ether)
	if err != nil {
		panic(err)
	}
	return wei
}
