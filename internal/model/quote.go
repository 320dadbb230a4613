package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote represents a normalized point-in-time price record for one instrument
type Quote struct {
	Symbol        string    `json:"symbol"` // Uppercase canonical symbol
	Last          float64   `json:"last"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Timestamp     time.Time `json:"ts"`
	Volume        int64     `json:"volume,omitempty"`
	Change        float64   `json:"change,omitempty"`
	ChangePercent float64   `json:"changePercent,omitempty"`
	High          float64   `json:"high,omitempty"`
	Low           float64   `json:"low,omitempty"`
	Open          float64   `json:"open,omitempty"`
	Source        string    `json:"source,omitempty"` // "live"|"fallback"
}

// HistoricalPoint is one bar of a historical series
type HistoricalPoint struct {
	Symbol    string    `json:"symbol"`
	Date      time.Time `json:"date"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Timestamp int64     `json:"timestamp"` // Unix millis, matches wire format
}

// QuoteWithHistory pairs the current quote with its recent series
type QuoteWithHistory struct {
	Current Quote             `json:"current"`
	History []HistoricalPoint `json:"history"`
}

// Round2 rounds a price to 2-decimal precision
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// NormalizeSymbol canonicalizes a symbol to uppercase with no surrounding space
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SetChangeFrom fills Change/ChangePercent against an open/reference price.
// No-op when open is not known.
func (q *Quote) SetChangeFrom(open float64) {
	if open <= 0 {
		return
	}
	q.Open = Round2(open)
	q.Change = Round2(q.Last - open)
	q.ChangePercent = Round2((q.Last - open) / open * 100)
}

// Validate performs fail-closed quote validation
func (q *Quote) Validate() error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}
	q.Symbol = NormalizeSymbol(q.Symbol)
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if q.Last <= 0 || q.Bid <= 0 || q.Ask <= 0 {
		return fmt.Errorf("invalid quote prices: bid=%.4f ask=%.4f last=%.4f", q.Bid, q.Ask, q.Last)
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", q.Ask, q.Bid)
	}
	if q.Volume < 0 {
		return fmt.Errorf("negative volume: %d", q.Volume)
	}
	if q.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.Timestamp)
	}
	return nil
}

// Validate checks bar invariants: low <= open,close <= high
func (p *HistoricalPoint) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if p.Low > p.Open || p.Low > p.Close {
		return fmt.Errorf("low %.4f above open/close", p.Low)
	}
	if p.High < p.Open || p.High < p.Close {
		return fmt.Errorf("high %.4f below open/close", p.High)
	}
	if p.Low <= 0 {
		return fmt.Errorf("non-positive low: %.4f", p.Low)
	}
	return nil
}
