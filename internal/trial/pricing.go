package trial

import (
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Price returns the per-meal prices and the total for meals booked under tt.
// Fixed pricing splits the fixed price evenly, carrying the rounding remainder
// on the last meal. Per-meal pricing discounts each slot's base price.
func Price(tt *models.TrialType, meals []models.Slot, basePrices map[models.Slot]decimal.Decimal) ([]decimal.Decimal, decimal.Decimal, error) {
	prices := make([]decimal.Decimal, len(meals))
	if len(meals) == 0 {
		return prices, decimal.Zero, nil
	}
	switch tt.PricingMode {
	case models.PricingFixed:
		total := tt.FixedPrice.Round(2)
		share := total.Div(decimal.NewFromInt(int64(len(meals)))).RoundDown(2)
		allocated := decimal.Zero
		for i := range meals {
			if i == len(meals)-1 {
				prices[i] = total.Sub(allocated)
				break
			}
			prices[i] = share
			allocated = allocated.Add(share)
		}
		return prices, total, nil
	case models.PricingPerMeal:
		factor := hundred.Sub(tt.DiscountPct).Div(hundred)
		if factor.IsNegative() {
			factor = decimal.Zero
		}
		total := decimal.Zero
		for i, slot := range meals {
			base, ok := basePrices[slot]
			if !ok {
				return nil, decimal.Zero, apperr.Invalid("vendor has no base price for slot").With("slot", slot)
			}
			prices[i] = base.Mul(factor).Round(2)
			total = total.Add(prices[i])
		}
		return prices, total, nil
	default:
		return nil, decimal.Zero, apperr.Invalid("unknown pricing mode").With("pricing_mode", tt.PricingMode)
	}
}
