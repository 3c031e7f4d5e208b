package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a signed decimal amount string (e.g. "-150.00").
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	// Accept comma as decimal separator (legacy exports use it)
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

// Quantize2 rounds to 2 decimal places, half-up.
func Quantize2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
