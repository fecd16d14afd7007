package broker

import (
	"time"

	"github.com/helmsmanai/helmsman/internal/domain"
)

// OrderSide is the venue order direction.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType selects limit vs market execution.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderRequest is a validated order ready for submission. Price is in the
// venue's smallest currency unit and must sit on the venue tick grid.
type OrderRequest struct {
	Instrument domain.Instrument `json:"instrument"`
	Side       OrderSide         `json:"side"`
	Type       OrderType         `json:"type"`
	Quantity   float64           `json:"quantity"`
	Price      int64             `json:"price,omitempty"` // required for limit orders
	Account    string            `json:"account"`
}

// ModifyRequest amends a resting order. Quantity and Price are absolute
// replacements, which keeps a re-sent modify safe; a zero value leaves the
// field unchanged venue-side.
type ModifyRequest struct {
	OrderID  string  `json:"order_id"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    int64   `json:"price,omitempty"`
}

// OrderStatus is the venue-reported lifecycle of a submitted order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the venue will not change this status again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// OrderResult is the venue acknowledgement of an order operation.
type OrderResult struct {
	OrderID     string      `json:"order_id"`
	Status      OrderStatus `json:"status"`
	FilledQty   float64     `json:"filled_qty"`
	AvgPrice    float64     `json:"avg_price"`
	SubmittedAt time.Time   `json:"submitted_at"`
}
