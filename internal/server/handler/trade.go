package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// TradeService is what the trade handler needs from the service layer.
type TradeService interface {
	GetTrade(ctx context.Context, id string) (domain.Trade, error)
	ListTrades(ctx context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Trade, error)
}

// TradeHandler serves trade and settlement state.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger.With(slog.String("handler", "trades"))}
}

// GetTrade returns one trade with its settlement state.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.GetTrade(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get trade", err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t))
}

// ListTrades pages through trades in one settlement status.
// GET /api/trades?status=failed&limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	status := domain.SettlementStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.SettlementFailed
	}
	trades, err := h.trades.ListTrades(r.Context(), status, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": tradeViews(trades)})
}
