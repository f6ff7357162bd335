package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// MarketHandler serves instrument search and price endpoints.
type MarketHandler struct {
	trades TradeService
	prices domain.PriceCache
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler. prices may be nil when no tick
// cache is configured.
func NewMarketHandler(trades TradeService, prices domain.PriceCache, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		trades: trades,
		prices: prices,
		logger: logger,
	}
}

// SearchMarkets searches a broker's instruments.
// GET /api/{broker}/markets?q=EURUSD
func (h *MarketHandler) SearchMarkets(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		writeError(w, http.StatusBadRequest, "q query parameter required")
		return
	}

	markets, err := h.trades.SearchInstruments(r.Context(), pathParam(r, "broker"), term)
	if err != nil {
		writeServiceError(w, r, h.logger, "search markets", err)
		return
	}
	if markets == nil {
		markets = []domain.InstrumentSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// GetPrices returns recent candles for an instrument.
// GET /api/{broker}/prices/{epic}?resolution=MINUTE&max=10
func (h *MarketHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid max")
			return
		}
		limit = n
	}

	candles, err := h.trades.Prices(r.Context(), pathParam(r, "broker"), pathParam(r, "epic"), q.Get("resolution"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "get prices", err)
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": candles})
}

// LatestTick returns the most recent streamed tick for an instrument.
// GET /api/prices/latest/{epic}
func (h *MarketHandler) LatestTick(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusNotImplemented, "tick cache not configured")
		return
	}
	tick, err := h.prices.GetTick(r.Context(), pathParam(r, "epic"))
	if err != nil {
		writeServiceError(w, r, h.logger, "latest tick", err)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}
