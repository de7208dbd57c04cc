package exchange

import (
	"github.com/shopspring/decimal"
)

// Instrument carries the sizing rules of one contract.
type Instrument struct {
	Native string
	// ContractSize is base-asset units per contract; 1 for venues that take
	// base quantity directly.
	ContractSize decimal.Decimal
	// LotSize is the order-size increment in contracts.
	LotSize decimal.Decimal
	// MinSize is the smallest order in contracts; defaults to LotSize.
	MinSize  decimal.Decimal
	TickSize decimal.Decimal
}

// ToContracts converts a base-asset quantity into an order size in
// contracts, rounded half-up to the lot size and never below the minimum.
// With ContractSize 10 and lot 1, 45 becomes 5 and 4 becomes 1.
func (in Instrument) ToContracts(qty decimal.Decimal) decimal.Decimal {
	size := in.ContractSize
	if !size.IsPositive() {
		size = decimal.NewFromInt(1)
	}
	lot := in.LotSize
	if !lot.IsPositive() {
		lot = decimal.NewFromInt(1)
	}
	min := in.MinSize
	if !min.IsPositive() {
		min = lot
	}

	contracts := qty.Div(size).Div(lot).Round(0).Mul(lot)
	if contracts.LessThan(min) {
		return min
	}
	return contracts
}

// FromContracts converts contracts back to base-asset quantity.
func (in Instrument) FromContracts(contracts decimal.Decimal) decimal.Decimal {
	if !in.ContractSize.IsPositive() {
		return contracts
	}
	return contracts.Mul(in.ContractSize)
}

// RoundPrice rounds p to the nearest tick. A zero tick leaves p unchanged.
func (in Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if !in.TickSize.IsPositive() {
		return p
	}
	return p.Div(in.TickSize).Round(0).Mul(in.TickSize)
}
