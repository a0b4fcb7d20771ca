package wallet

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RateTable maps settlement currencies to their OP-per-unit rate. It is a
// version-stamped configuration value handed to the service, never a package
// constant, so the exchange pipeline stays testable with arbitrary tables.
type RateTable struct {
	version string
	rates   map[string]decimal.Decimal
}

// NewRateTable validates a rate table. Every rate must be strictly positive.
func NewRateTable(version string, rates map[Currency]decimal.Decimal) (RateTable, error) {
	trimmedVersion := strings.TrimSpace(version)
	if trimmedVersion == "" {
		return RateTable{}, fmt.Errorf("%w: empty version", ErrInvalidRateTable)
	}
	if len(rates) == 0 {
		return RateTable{}, fmt.Errorf("%w: no currencies", ErrInvalidRateTable)
	}
	normalized := make(map[string]decimal.Decimal, len(rates))
	for currency, rate := range rates {
		if currency.String() == "" {
			return RateTable{}, fmt.Errorf("%w: empty currency", ErrInvalidRateTable)
		}
		if !rate.IsPositive() {
			return RateTable{}, fmt.Errorf("%w: non-positive rate for %s", ErrInvalidRateTable, currency)
		}
		normalized[currency.String()] = rate
	}
	return RateTable{version: trimmedVersion, rates: normalized}, nil
}

// Version returns the configuration version stamp.
func (table RateTable) Version() string {
	return table.version
}

// Rate resolves the OP-per-unit rate for a currency.
func (table RateTable) Rate(currency Currency) (decimal.Decimal, error) {
	rate, known := table.rates[currency.String()]
	if !known {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return rate, nil
}

// Currencies returns the supported currency codes.
func (table RateTable) Currencies() []string {
	codes := make([]string, 0, len(table.rates))
	for code := range table.rates {
		codes = append(codes, code)
	}
	return codes
}

// DefaultRateTable ships only the base fiat at par. Production deployments
// supply the full table through configuration.
func DefaultRateTable() RateTable {
	jpy, _ := NewCurrency(baseFiatCurrency)
	table, _ := NewRateTable("default", map[Currency]decimal.Decimal{
		jpy: decimal.NewFromInt(1),
	})
	return table
}
