package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is one tradable unit: a catalog product at a single size.
// Name and Size are owned by the catalog; the price fields are a projection
// maintained by the stats recalculator.
type Instrument struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Size          string              `json:"size"`
	LowestAsk     decimal.NullDecimal `json:"lowestAsk"`
	HighestBid    decimal.NullDecimal `json:"highestBid"`
	LastSalePrice decimal.NullDecimal `json:"lastSalePrice"`
	SalesCount    int                 `json:"salesCount"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// MarketStats is the recalculated summary written back onto an Instrument.
type MarketStats struct {
	LowestAsk     decimal.NullDecimal `json:"lowestAsk"`
	HighestBid    decimal.NullDecimal `json:"highestBid"`
	LastSalePrice decimal.NullDecimal `json:"lastSalePrice"`
	SalesCount    int                 `json:"salesCount"`
}

// Stats returns the summary fields of the instrument.
func (i *Instrument) Stats() MarketStats {
	return MarketStats{
		LowestAsk:     i.LowestAsk,
		HighestBid:    i.HighestBid,
		LastSalePrice: i.LastSalePrice,
		SalesCount:    i.SalesCount,
	}
}

// DisplayName is used in notification and chat copy.
func (i *Instrument) DisplayName() string {
	if i.Name == "" {
		return i.ID
	}
	if i.Size == "" {
		return i.Name
	}
	return i.Name + " (Size " + i.Size + ")"
}
