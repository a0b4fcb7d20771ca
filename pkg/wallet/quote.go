package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Pricing fixes the purchase-side conversion: how much base fiat one OP costs
// and the service fee rate applied on top.
type Pricing struct {
	fiatPerOP decimal.Decimal
	feeRate   decimal.Decimal
	currency  Currency
}

// NewPricing validates a purchase pricing configuration.
func NewPricing(fiatPerOP decimal.Decimal, feeRate decimal.Decimal, currency Currency) (Pricing, error) {
	if !fiatPerOP.IsPositive() {
		return Pricing{}, fmt.Errorf("%w: non-positive fiat rate", ErrInvalidServiceConfig)
	}
	if feeRate.IsNegative() {
		return Pricing{}, fmt.Errorf("%w: negative fee rate", ErrInvalidServiceConfig)
	}
	if currency.String() == "" {
		return Pricing{}, fmt.Errorf("%w: empty pricing currency", ErrInvalidServiceConfig)
	}
	return Pricing{fiatPerOP: fiatPerOP, feeRate: feeRate, currency: currency}, nil
}

// DefaultPricing charges 100 JPY per OP plus a 5% fee.
func DefaultPricing() Pricing {
	currency, _ := NewCurrency(baseFiatCurrency)
	pricing, _ := NewPricing(decimal.NewFromInt(100), decimal.RequireFromString("0.05"), currency)
	return pricing
}

// Currency returns the settlement currency purchases are charged in.
func (pricing Pricing) Currency() Currency {
	return pricing.currency
}

// FeeRate returns the service fee rate.
func (pricing Pricing) FeeRate() decimal.Decimal {
	return pricing.feeRate
}

// PurchaseQuote is the fiat cost of buying a given amount of OP. The fee is
// rounded to a whole fiat unit, half away from zero.
type PurchaseQuote struct {
	OPAmount  decimal.Decimal
	BaseFiat  decimal.Decimal
	Fee       decimal.Decimal
	TotalFiat decimal.Decimal
	Currency  Currency
}

// NewPurchaseQuote prices a purchase. Fractional OP purchases are rejected.
func NewPurchaseQuote(amount OPAmount, pricing Pricing) (PurchaseQuote, error) {
	if !amount.IsInteger() {
		return PurchaseQuote{}, fmt.Errorf("%w: fractional purchase not supported", ErrInvalidAmount)
	}
	baseFiat := amount.Decimal().Mul(pricing.fiatPerOP)
	fee := baseFiat.Mul(pricing.feeRate).Round(0)
	return PurchaseQuote{
		OPAmount:  amount.Decimal(),
		BaseFiat:  baseFiat,
		Fee:       fee,
		TotalFiat: baseFiat.Add(fee),
		Currency:  pricing.currency,
	}, nil
}

// ExchangeQuote is the cost of converting OP into a settlement currency: the
// fee-inclusive debit and the payout at the table rate. Fee fractions are kept
// exact, never rounded away.
type ExchangeQuote struct {
	OPAmount      decimal.Decimal
	Fee           decimal.Decimal
	TotalDeducted decimal.Decimal
	Payout        decimal.Decimal
	Currency      Currency
	RateVersion   string
}

// NewExchangeQuote prices an exchange against a rate table.
func NewExchangeQuote(amount OPAmount, currency Currency, feeRate decimal.Decimal, table RateTable) (ExchangeQuote, error) {
	rate, err := table.Rate(currency)
	if err != nil {
		return ExchangeQuote{}, err
	}
	fee := amount.Decimal().Mul(feeRate)
	return ExchangeQuote{
		OPAmount:      amount.Decimal(),
		Fee:           fee,
		TotalDeducted: amount.Decimal().Add(fee),
		Payout:        amount.Decimal().Mul(rate),
		Currency:      currency,
		RateVersion:   table.Version(),
	}, nil
}
