// Package gateway talks to the external payment gateway: order creation and
// signature checks for its confirmations and webhooks.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest asks the gateway to collect Amount (in major units).
type OrderRequest struct {
	Amount   decimal.Decimal
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is the gateway's view of a created order. Amount is in minor units.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Gateway creates payment orders.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
}

// minorUnits converts a major-unit amount to the gateway's integer minor units.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
