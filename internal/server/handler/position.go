package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// TradeService defines the methods that the position and market handlers
// require from the service layer.
type TradeService interface {
	OpenPosition(ctx context.Context, broker, epic string, details domain.NewPositionDetails) (domain.DealConfirmation, error)
	ClosePosition(ctx context.Context, broker, dealID string, size float64, direction domain.Direction) (domain.DealConfirmation, error)
	GetPosition(ctx context.Context, broker, dealID string) (domain.Position, error)
	GetPositions(ctx context.Context, broker string) ([]domain.Position, error)
	SearchInstruments(ctx context.Context, broker, term string) ([]domain.InstrumentSummary, error)
	Prices(ctx context.Context, broker, epic, resolution string, limit int) ([]domain.Candle, error)
	RecentDeals(ctx context.Context, broker string, opts domain.ListOpts) ([]domain.DealRecord, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(trades TradeService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		trades: trades,
		logger: logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// openPositionRequest is the POST body for opening a position. Stop and
// take-profit are distances from the entry level.
type openPositionRequest struct {
	Epic       string   `json:"epic"`
	Direction  string   `json:"direction"`
	Size       float64  `json:"size"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Currency   string   `json:"currency,omitempty"`
	Expiry     string   `json:"expiry,omitempty"`
}

// ListPositions returns all open positions held with a broker.
// GET /api/{broker}/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	broker := pathParam(r, "broker")
	positions, err := h.trades.GetPositions(r.Context(), broker)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one open position.
// GET /api/{broker}/positions/{dealId}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.trades.GetPosition(r.Context(), pathParam(r, "broker"), pathParam(r, "dealId"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// OpenPosition opens a market position and returns the confirmed deal.
// POST /api/{broker}/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Epic) == "" {
		writeError(w, http.StatusBadRequest, "epic is required")
		return
	}
	dir, err := domain.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	details := domain.NewPositionDetails{
		Direction: dir,
		Size:      req.Size,
		Limit:     req.TakeProfit,
		Stop:      req.StopLoss,
		Currency:  req.Currency,
		Expiry:    req.Expiry,
	}.WithDefaults()

	conf, err := h.trades.OpenPosition(r.Context(), pathParam(r, "broker"), req.Epic, details)
	if err != nil {
		writeServiceError(w, r, h.logger, "open position", err)
		return
	}
	writeJSON(w, http.StatusCreated, conf)
}

// ClosePosition closes a position. Without size and direction the whole
// position is closed with the opposite side.
// DELETE /api/{broker}/positions/{dealId}?size=1.5&direction=SELL
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	broker := pathParam(r, "broker")
	dealID := pathParam(r, "dealId")
	q := r.URL.Query()

	var (
		size float64
		dir  domain.Direction
		err  error
	)
	if v := q.Get("size"); v != "" {
		if size, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid size")
			return
		}
	}
	if v := q.Get("direction"); v != "" {
		if dir, err = domain.ParseDirection(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if size == 0 || dir == "" {
		pos, err := h.trades.GetPosition(r.Context(), broker, dealID)
		if err != nil {
			writeServiceError(w, r, h.logger, "close position", err)
			return
		}
		if size == 0 {
			size = pos.Size
		}
		if dir == "" {
			dir = pos.Direction.Opposite()
		}
	}

	conf, err := h.trades.ClosePosition(r.Context(), broker, dealID, size, dir)
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

// RecentDeals lists journalled deal outcomes, newest first.
// GET /api/deals/recent?broker=ig&limit=50&offset=0&since=RFC3339
func (h *PositionHandler) RecentDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := h.trades.RecentDeals(r.Context(), r.URL.Query().Get("broker"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "recent deals", err)
		return
	}
	if deals == nil {
		deals = []domain.DealRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}
