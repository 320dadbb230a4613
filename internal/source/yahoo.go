package source

import (
	"context"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
	"golang.org/x/time/rate"

	"quotestream/internal/model"
)

// YahooProvider fetches authoritative data from Yahoo Finance. All calls go
// through a shared rate limiter so batch fetches stay inside the upstream's
// tolerance.
type YahooProvider struct {
	limiter     *rate.Limiter
	historyDays int
}

func NewYahooProvider(ratePerMinute int) *YahooProvider {
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &YahooProvider{
		limiter:     rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60), 1),
		historyDays: 2,
	}
}

func (p *YahooProvider) FetchQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return model.Quote{}, err
	}

	q, err := quote.Get(symbol)
	if err != nil {
		return model.Quote{}, model.NewSourceUnavailableError(symbol, "quote fetch failed", err)
	}
	if q == nil || q.RegularMarketPrice <= 0 {
		return model.Quote{}, model.NewSourceUnavailableError(symbol, "no market price in response", nil)
	}

	bid := q.Bid
	if bid <= 0 {
		bid = q.RegularMarketPrice - 0.01
	}
	ask := q.Ask
	if ask <= 0 {
		ask = q.RegularMarketPrice + 0.01
	}

	out := model.Quote{
		Symbol:        model.NormalizeSymbol(symbol),
		Last:          q.RegularMarketPrice,
		Bid:           bid,
		Ask:           ask,
		Timestamp:     time.Now(),
		Volume:        int64(q.RegularMarketVolume),
		Change:        model.Round2(q.RegularMarketChange),
		ChangePercent: model.Round2(q.RegularMarketChangePercent),
		High:          q.RegularMarketDayHigh,
		Low:           q.RegularMarketDayLow,
		Open:          q.RegularMarketOpen,
	}
	return out, nil
}

func (p *YahooProvider) FetchHistory(ctx context.Context, symbol string) ([]model.HistoricalPoint, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -p.historyDays)

	params := &chart.Params{
		Symbol:   model.NormalizeSymbol(symbol),
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	}

	iter := chart.Get(params)
	history := make([]model.HistoricalPoint, 0)
	for iter.Next() {
		bar := iter.Bar()
		ts := time.Unix(int64(bar.Timestamp), 0)
		open, _ := bar.Open.Float64()
		high, _ := bar.High.Float64()
		low, _ := bar.Low.Float64()
		closePx, _ := bar.Close.Float64()
		history = append(history, model.HistoricalPoint{
			Symbol:    model.NormalizeSymbol(symbol),
			Date:      ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    int64(bar.Volume),
			Timestamp: ts.UnixMilli(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, model.NewSourceUnavailableError(symbol, "history fetch failed", err)
	}
	return history, nil
}
