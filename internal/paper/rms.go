// Package paper is the deterministic in-process matching engine that mirrors
// the live broker API surface, plus its margin-model RMS.
package paper

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// marginFactor is the margin multiplier of the simple paper margin model:
// required = price x qty x 1.1.
var marginFactor = decimal.NewFromFloat(1.1)

// RMS is the paper margin gate. Margin arithmetic runs on decimals so a
// reserve followed by a release at the same price and quantity nets to
// exactly zero.
type RMS struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	usedMargin decimal.Decimal
}

// NewRMS creates an RMS with the given account balance.
func NewRMS(balance float64) *RMS {
	return &RMS{balance: decimal.NewFromFloat(balance)}
}

// Required computes the margin required for an opening order.
func Required(price float64, quantity int) decimal.Decimal {
	return decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(quantity))).
		Mul(marginFactor)
}

// CanPlaceOrder checks an opening order against available margin.
func (r *RMS) CanPlaceOrder(price float64, quantity int) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	required := Required(price, quantity)
	available := r.balance.Sub(r.usedMargin)
	if available.LessThan(required) {
		return false, fmt.Sprintf("insufficient margin: required %s, available %s",
			required.StringFixed(2), available.StringFixed(2))
	}
	return true, ""
}

// Reserve books margin for an opening fill.
func (r *RMS) Reserve(price float64, quantity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usedMargin = r.usedMargin.Add(Required(price, quantity))
}

// Release frees margin on close, at the entry price.
func (r *RMS) Release(entryPrice float64, quantity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usedMargin = r.usedMargin.Sub(Required(entryPrice, quantity))
	if r.usedMargin.IsNegative() {
		r.usedMargin = decimal.Zero
	}
}

// AdjustBalance applies realized PnL to the account balance.
func (r *RMS) AdjustBalance(pnl float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balance = r.balance.Add(decimal.NewFromFloat(pnl))
}

// UsedMargin returns the currently reserved margin.
func (r *RMS) UsedMargin() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, _ := r.usedMargin.Float64()
	return f
}

// AvailableMargin returns balance minus reserved margin.
func (r *RMS) AvailableMargin() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, _ := r.balance.Sub(r.usedMargin).Float64()
	return f
}

// Balance returns the account balance.
func (r *RMS) Balance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, _ := r.balance.Float64()
	return f
}

// restore reinstates persisted margin state.
func (r *RMS) restore(balance, usedMargin float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balance = decimal.NewFromFloat(balance)
	r.usedMargin = decimal.NewFromFloat(usedMargin)
}
