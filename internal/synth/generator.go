// Package synth produces plausible quotes and historical series without
// contacting any external source. It is the fallback path when the live
// provider is degraded.
package synth

import (
	"math/rand"
	"sync"
	"time"

	"quotestream/internal/model"
)

const (
	epsilon              = 0.01
	trendRedrawProb      = 0.05
	spreadFraction       = 0.0005 // 0.05% of last
	closedVolScale       = 0.1    // volatility multiplier outside market hours
	historySpacing       = 5 * time.Minute
	defaultRef           = 100.0
	defaultVol           = 0.020
	DefaultHistoryPoints = 78
)

// symbolVolatility holds per-symbol daily volatility constants. Data only;
// the walk policy itself is identical for every symbol.
var symbolVolatility = map[string]float64{
	"NVDA":  0.025,
	"TSLA":  0.030,
	"PLTR":  0.028,
	"ARKG":  0.022,
	"MSFT":  0.015,
	"SPY":   0.012,
	"META":  0.024,
	"GOOGL": 0.020,
}

// marketState is the per-symbol walk state. Owned exclusively by the
// Generator; mutated once per generated tick.
type marketState struct {
	lastPrice  float64
	trend      float64
	volatility float64
	reference  float64
}

// Generator owns all per-symbol market state and applies a banded random
// walk uniformly to every symbol.
type Generator struct {
	mu         sync.Mutex
	states     map[string]*marketState
	references map[string]float64
	bandPct    float64
	random     *rand.Rand
	marketOpen func() bool
}

// New creates a generator seeded with reference prices. bandPct is the
// half-width of the allowed band around each reference price (e.g. 0.10).
func New(references map[string]float64, bandPct float64) *Generator {
	if bandPct <= 0 {
		bandPct = 0.10
	}
	refs := make(map[string]float64, len(references))
	for sym, price := range references {
		refs[model.NormalizeSymbol(sym)] = price
	}
	return &Generator{
		states:     make(map[string]*marketState),
		references: refs,
		bandPct:    bandPct,
		random:     rand.New(rand.NewSource(time.Now().UnixNano())),
		marketOpen: marketHours,
	}
}

// SetMarketOpenFunc overrides the market-hours check, for tests.
func (g *Generator) SetMarketOpenFunc(fn func() bool) {
	g.mu.Lock()
	g.marketOpen = fn
	g.mu.Unlock()
}

// NextQuote advances the symbol's walk one step and returns the quote.
func (g *Generator) NextQuote(symbol string) model.Quote {
	symbol = model.NormalizeSymbol(symbol)

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(symbol)

	volScale := 1.0
	if !g.marketOpen() {
		volScale = closedVolScale
	}

	noise := (g.random.Float64() - 0.5) * st.volatility * volScale
	next := st.lastPrice * (1 + noise + st.trend)
	next = g.applyBand(st, next)
	if next < epsilon {
		next = epsilon
	}
	st.lastPrice = next

	// Long inter-call drift: occasionally redraw the trend entirely.
	if g.random.Float64() < trendRedrawProb {
		st.trend = (g.random.Float64() - 0.5) * 0.002
	}

	last := model.Round2(st.lastPrice)
	spread := model.Round2(last * spreadFraction)
	if spread < 0.01 {
		spread = 0.01
	}

	q := model.Quote{
		Symbol:    symbol,
		Last:      last,
		Bid:       model.Round2(last - spread),
		Ask:       model.Round2(last + spread),
		Timestamp: time.Now(),
		Volume:    int64(g.random.Intn(2_000_000)) + 100_000,
		High:      model.Round2(st.reference * (1 + g.bandPct/2)),
		Low:       model.Round2(st.reference * (1 - g.bandPct/2)),
		Source:    "fallback",
	}
	q.SetChangeFrom(st.reference)
	return q
}

// NextHistory generates a fresh series of points bars at 5-minute spacing
// ending now. Each call regenerates independently of prior calls.
func (g *Generator) NextHistory(symbol string, points int) []model.HistoricalPoint {
	symbol = model.NormalizeSymbol(symbol)
	if points <= 0 {
		points = DefaultHistoryPoints
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(symbol)
	base := st.reference
	now := time.Now()

	history := make([]model.HistoricalPoint, 0, points)
	price := base * 0.98
	prevClose := price

	for i := 0; i < points; i++ {
		ts := now.Add(-time.Duration(points-i) * historySpacing)

		noise := (g.random.Float64() - 0.5) * st.volatility
		price = price * (1 + noise)
		// Gentle pull toward the reference so long series stay anchored.
		price += (base - price) * 0.001
		price = g.clampToBand(base, price)
		if price < epsilon {
			price = epsilon
		}

		open := prevClose
		if i == 0 {
			open = price
		}
		high := price * (1 + g.random.Float64()*0.005)
		low := price * (1 - g.random.Float64()*0.005)
		if open > high {
			high = open
		}
		if open < low {
			low = open
		}

		history = append(history, model.HistoricalPoint{
			Symbol:    symbol,
			Date:      ts,
			Open:      model.Round2(open),
			High:      model.Round2(high),
			Low:       model.Round2(low),
			Close:     model.Round2(price),
			Volume:    int64(g.random.Intn(500_000)) + 50_000,
			Timestamp: ts.UnixMilli(),
		})
		prevClose = price
	}
	return history
}

// state returns the walk state for symbol, creating it lazily.
func (g *Generator) state(symbol string) *marketState {
	if st, ok := g.states[symbol]; ok {
		return st
	}
	ref, ok := g.references[symbol]
	if !ok {
		// Unknown symbol: pick a stable reference on first use.
		ref = defaultRef + g.random.Float64()*defaultRef
		g.references[symbol] = ref
	}
	vol, ok := symbolVolatility[symbol]
	if !ok {
		vol = defaultVol
	}
	st := &marketState{
		lastPrice:  ref,
		trend:      (g.random.Float64() - 0.5) * 0.001,
		volatility: vol,
		reference:  ref,
	}
	g.states[symbol] = st
	return st
}

// applyBand keeps price inside [ref*(1-band), ref*(1+band)]. A step that
// would breach the band is pulled back inside by a small random margin and
// the trend sign is flipped to bias future steps back toward the band.
func (g *Generator) applyBand(st *marketState, price float64) float64 {
	upper := st.reference * (1 + g.bandPct)
	lower := st.reference * (1 - g.bandPct)

	if price >= upper {
		price = upper - pullbackMargin(g.random)*st.reference
		if st.trend > 0 {
			st.trend = -st.trend
		}
	} else if price <= lower {
		price = lower + pullbackMargin(g.random)*st.reference
		if st.trend < 0 {
			st.trend = -st.trend
		}
	}
	return price
}

// pullbackMargin is small but never zero, so a pulled-back price lands
// strictly inside the band even after 2-decimal rounding.
func pullbackMargin(r *rand.Rand) float64 {
	return 0.001 + r.Float64()*0.005
}

// clampToBand is the stateless variant used for history series.
func (g *Generator) clampToBand(ref, price float64) float64 {
	upper := ref * (1 + g.bandPct)
	lower := ref * (1 - g.bandPct)
	if price >= upper {
		return upper - pullbackMargin(g.random)*ref
	}
	if price <= lower {
		return lower + pullbackMargin(g.random)*ref
	}
	return price
}

// marketHours is a rough RTH check (9:30-16:00 ET, weekdays).
func marketHours() bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return true
	}
	et := time.Now().In(loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := et.Hour()*60 + et.Minute()
	return mins >= 9*60+30 && mins < 16*60
}
