// Package server exposes the REST and streaming surface of the service.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"quotestream/internal/bus"
	"quotestream/internal/cache"
	"quotestream/internal/gateway"
	"quotestream/internal/model"
	"quotestream/internal/observ"
	"quotestream/internal/source"
)

type Config struct {
	QuoteTTL   time.Duration
	HistoryTTL time.Duration
}

type Server struct {
	adapter *source.Adapter
	store   *cache.Store
	bus     bus.Bus
	gateway *gateway.Gateway
	cfg     Config
	tracked map[string]bool
	upgrade websocket.Upgrader
}

func New(adapter *source.Adapter, store *cache.Store, b bus.Bus, gw *gateway.Gateway, cfg Config) *Server {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 60 * time.Second
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 15 * time.Minute
	}
	tracked := make(map[string]bool)
	for _, s := range adapter.Symbols() {
		tracked[s] = true
	}
	return &Server{
		adapter: adapter,
		store:   store,
		bus:     b,
		gateway: gw,
		cfg:     cfg,
		tracked: tracked,
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router wires all routes onto a fresh mux.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/quotes", s.handleQuote)
	mux.HandleFunc("GET /v1/quotes/{symbol}/history", s.handleQuoteWithHistory)
	mux.HandleFunc("GET /v1/history/{symbol}", s.handleHistory)
	mux.HandleFunc("GET /v1/symbols", s.handleSymbols)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", observ.Handler())
	return mux
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, model.NewInvalidRequestError("symbol parameter is required"))
		return
	}
	symbol = model.NormalizeSymbol(symbol)
	if !s.tracked[symbol] {
		writeError(w, model.NewBadSymbolError(symbol, "quote not available"))
		return
	}

	if v, ok := s.store.Get("quote:" + symbol); ok {
		if q, ok := v.(model.Quote); ok {
			writeJSON(w, http.StatusOK, q)
			return
		}
	}

	q, err := s.adapter.GetQuote(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	s.store.Put("quote:"+symbol, q, s.cfg.QuoteTTL)
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleQuoteWithHistory(w http.ResponseWriter, r *http.Request) {
	symbol := model.NormalizeSymbol(r.PathValue("symbol"))
	if !s.tracked[symbol] {
		writeError(w, model.NewBadSymbolError(symbol, "data not available for symbol"))
		return
	}

	combined, err := s.adapter.GetQuoteWithHistory(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, combined)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := model.NormalizeSymbol(r.PathValue("symbol"))
	if !s.tracked[symbol] {
		writeError(w, model.NewBadSymbolError(symbol, "historical data not available"))
		return
	}

	type response struct {
		Symbol  string                  `json:"symbol"`
		History []model.HistoricalPoint `json:"history"`
	}

	if v, ok := s.store.Get("history:" + symbol); ok {
		if history, ok := v.([]model.HistoricalPoint); ok {
			writeJSON(w, http.StatusOK, response{Symbol: symbol, History: history})
			return
		}
	}

	history, err := s.adapter.GetHistory(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	s.store.Put("history:"+symbol, history, s.cfg.HistoryTTL)
	writeJSON(w, http.StatusOK, response{Symbol: symbol, History: history})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.adapter.Symbols()
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.adapter.Status()

	dataSource := "live"
	recommendation := "Real market data available."
	if st.FallbackMode {
		dataSource = "fallback"
		recommendation = "Using simulated data. Check network connectivity or try again later."
	}

	var lastFetchAgo any
	if !st.LastSuccessfulFetch.IsZero() {
		lastFetchAgo = time.Since(st.LastSuccessfulFetch).Milliseconds()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fallbackMode":             st.FallbackMode,
		"consecutiveFailures":      st.ConsecutiveFailures,
		"lastSuccessfulFetchAgoMs": lastFetchAgo,
		"dataSource":               dataSource,
		"recommendation":           recommendation,
		"cacheSize":                s.store.Len(),
		"supportedSymbols":         len(s.adapter.Symbols()),
		"gateway":                  s.gateway.Status(),
		"endpoints": map[string]string{
			"currentQuote":     "/v1/quotes?symbol=MSFT",
			"historicalData":   "/v1/history/MSFT",
			"quoteWithHistory": "/v1/quotes/MSFT/history",
			"symbols":          "/v1/symbols",
			"health":           "/health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.adapter.Status()
	dataSource := "live"
	if st.FallbackMode {
		dataSource = "fallback"
	}

	if err := s.bus.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"bus":       "disconnected",
			"timestamp": time.Now().UnixMilli(),
			"error":     "broadcast bus unreachable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"bus":                 "connected",
		"dataSource":          dataSource,
		"fallbackMode":        st.FallbackMode,
		"consecutiveFailures": st.ConsecutiveFailures,
		"supportedSymbols":    len(s.adapter.Symbols()),
		"timestamp":           time.Now().UnixMilli(),
	})
}

// handleWS upgrades the connection and registers it with the gateway; the
// read loop exists only to detect the client going away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		observ.Error("ws_upgrade_failed", err, nil)
		return
	}
	remove := s.gateway.AddClient(conn)

	go func() {
		defer remove()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to status codes and always returns a
// structured body, never a raw internal error.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var qe *model.QuoteError
	if errors.As(err, &qe) {
		message = qe.Message
		switch qe.Type {
		case "invalid_request":
			status = http.StatusBadRequest
		case "bad_symbol":
			status = http.StatusNotFound
		case "source_unavailable":
			status = http.StatusBadGateway
		case "bus_disconnected":
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"message": message})
}
