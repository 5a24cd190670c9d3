package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
	"github.com/alanyoungcy/polymatch/internal/server/middleware"
	"github.com/alanyoungcy/polymatch/internal/service"
)

// OrderService is what the order handler needs from the service layer.
type OrderService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.SubmitResponse, error)
	Cancel(ctx context.Context, orderID, owner string) (service.CancelResponse, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
}

// OrderHandler serves order endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger.With(slog.String("handler", "orders"))}
}

type submitOrderRequest struct {
	MarketID        string           `json:"market_id"`
	Outcome         string           `json:"outcome"`
	Side            domain.OrderSide `json:"side"`
	Type            domain.OrderType `json:"type"`
	Price           int64            `json:"price"`
	Size            int64            `json:"size"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	ExternalOrderID string           `json:"external_order_id,omitempty"`
	Owner           string           `json:"owner,omitempty"` // honoured only when signing is disabled
}

type submitOrderResponse struct {
	Order  orderView   `json:"order"`
	Trades []tradeView `json:"trades"`
	Error  string      `json:"error,omitempty"`
}

// SubmitOrder matches a new order.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body submitOrderRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := requestOwner(r, body.Owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit order", err)
		return
	}
	outcome, err := domain.ParseOutcome(body.Outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit order", err)
		return
	}
	if body.Type == "" {
		body.Type = domain.OrderTypeLimit
	}

	res, err := h.orders.Submit(r.Context(), service.SubmitRequest{
		MarketID:        body.MarketID,
		Outcome:         outcome,
		Side:            body.Side,
		Type:            body.Type,
		Price:           body.Price,
		Size:            body.Size,
		ExpiresAt:       body.ExpiresAt,
		Owner:           owner,
		ExternalOrderID: body.ExternalOrderID,
	})
	var violation *domain.InvariantViolation
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, submitOrderResponse{
			Order:  newOrderView(res.Order),
			Trades: tradeViews(res.Trades),
		})
	case errors.As(err, &violation):
		// The order was processed before the book halted.
		writeJSON(w, http.StatusServiceUnavailable, submitOrderResponse{
			Order:  newOrderView(res.Order),
			Trades: tradeViews(res.Trades),
			Error:  err.Error(),
		})
	default:
		writeServiceError(w, r, h.logger, "submit order", err)
	}
}

type cancelOrderResponse struct {
	OrderID         string             `json:"order_id"`
	Status          domain.OrderStatus `json:"status,omitempty"`
	AlreadyResolved bool               `json:"already_resolved"`
}

// CancelOrder withdraws a resting order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	owner, _ := middleware.Account(r.Context())
	res, err := h.orders.Cancel(r.Context(), id, owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, cancelOrderResponse{
		OrderID:         res.OrderID,
		Status:          res.Status,
		AlreadyResolved: res.AlreadyResolved,
	})
}

// GetOrder returns an order's current state.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get order", err)
		return
	}
	if account, ok := middleware.Account(r.Context()); ok && account != o.Owner {
		writeServiceError(w, r, h.logger, "get order", domain.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

// requestOwner resolves the submitting account: the signed account when
// signing is enabled, else the owner named in the body.
func requestOwner(r *http.Request, claimed string) (string, error) {
	account, ok := middleware.Account(r.Context())
	if !ok {
		return claimed, nil
	}
	if claimed != "" && claimed != account {
		return "", domain.ErrNotOwner
	}
	return account, nil
}
