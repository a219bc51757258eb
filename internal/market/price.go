package market

import "github.com/shopspring/decimal"

// ValidatePrice rejects prices that are non-positive, finer than cents or out of bounds.
func ValidatePrice(price, minPrice, maxPrice decimal.Decimal) error {
	if !price.IsPositive() {
		return validationf("price must be positive")
	}
	if !price.Equal(price.Truncate(2)) {
		return validationf("price must have at most 2 decimal places")
	}
	if price.LessThan(minPrice) {
		return validationf("price must be at least %s", minPrice.StringFixed(2))
	}
	if !maxPrice.IsZero() && price.GreaterThan(maxPrice) {
		return validationf("price must be at most %s", maxPrice.StringFixed(2))
	}
	return nil
}

func formatUSD(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
