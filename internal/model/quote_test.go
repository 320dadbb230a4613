package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validQuote() Quote {
	return Quote{
		Symbol:    "MSFT",
		Last:      510.05,
		Bid:       510.00,
		Ask:       510.10,
		Timestamp: time.Now(),
		Volume:    1200,
	}
}

func TestQuoteValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Quote)
		wantErr bool
	}{
		{"valid", func(q *Quote) {}, false},
		{"empty symbol", func(q *Quote) { q.Symbol = "  " }, true},
		{"zero last", func(q *Quote) { q.Last = 0 }, true},
		{"negative bid", func(q *Quote) { q.Bid = -1 }, true},
		{"crossed spread", func(q *Quote) { q.Ask = q.Bid - 1 }, true},
		{"negative volume", func(q *Quote) { q.Volume = -5 }, true},
		{"future timestamp", func(q *Quote) { q.Timestamp = time.Now().Add(time.Hour) }, true},
		{"slightly ahead timestamp ok", func(q *Quote) { q.Timestamp = time.Now().Add(time.Minute) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuote()
			tt.mutate(&q)
			err := q.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNormalizesSymbol(t *testing.T) {
	q := validQuote()
	q.Symbol = " msft "
	require.NoError(t, q.Validate())
	assert.Equal(t, "MSFT", q.Symbol)
}

func TestSetChangeFrom(t *testing.T) {
	q := validQuote()
	q.Last = 102.50
	q.SetChangeFrom(100.00)

	assert.Equal(t, 100.00, q.Open)
	assert.Equal(t, 2.50, q.Change)
	assert.Equal(t, 2.50, q.ChangePercent)
}

func TestSetChangeFromIgnoresUnknownOpen(t *testing.T) {
	q := validQuote()
	q.SetChangeFrom(0)
	assert.Zero(t, q.Open)
	assert.Zero(t, q.Change)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, Round2(1.234))
	assert.Equal(t, 1.24, Round2(1.235))
	assert.Equal(t, -1.24, Round2(-1.235))
	assert.Equal(t, 100.00, Round2(100))
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "NVDA", NormalizeSymbol("  nvda\t"))
	assert.Equal(t, "", NormalizeSymbol("   "))
}

func TestHistoricalPointValidate(t *testing.T) {
	p := HistoricalPoint{
		Symbol: "MSFT",
		Open:   100, High: 105, Low: 98, Close: 103,
		Volume:    5000,
		Date:      time.Now(),
		Timestamp: time.Now().UnixMilli(),
	}
	require.NoError(t, p.Validate())

	bad := p
	bad.Low = 101 // above open
	assert.Error(t, bad.Validate())

	bad = p
	bad.High = 99 // below close
	assert.Error(t, bad.Validate())
}

func TestQuoteErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewSourceUnavailableError("MSFT", "3 attempts exhausted", cause)

	assert.ErrorIs(t, err, cause)

	var qe *QuoteError
	require.ErrorAs(t, error(err), &qe)
	assert.Equal(t, "source_unavailable", qe.Type)
	assert.Contains(t, err.Error(), "MSFT")
}
