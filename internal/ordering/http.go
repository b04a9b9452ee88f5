package ordering

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"ordersync/internal/apperr"
	"ordersync/internal/events"
	"ordersync/internal/platform/httpserver"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const headerCustomerID = "X-Customer-ID"

// OrderAPI is the part of Service the HTTP handlers call.
type OrderAPI interface {
	CreateOrder(ctx context.Context, customerID int64, headers map[string]string) (CreateOrderResult, error)
	UpdateOrder(ctx context.Context, id int64, status events.OrderStatus, headers map[string]string) (events.OrderWithLineItems, error)
	GetOrder(ctx context.Context, id int64) (events.OrderWithLineItems, error)
	GetOrders(ctx context.Context, customerID int64) ([]events.OrderWithLineItems, error)
	DeleteOrder(ctx context.Context, id int64) error
}

type Handlers struct {
	orders OrderAPI
	logger *zap.Logger
}

func NewHandlers(orders OrderAPI, logger *zap.Logger) *Handlers {
	return &Handlers{orders: orders, logger: logger}
}

// Mount registers the order routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Patch("/{id}", h.updateOrder)
		r.Delete("/{id}", h.deleteOrder)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type updateOrderRequest struct {
	Status events.OrderStatus `json:"status"`
}

func (h *Handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		h.fail(w, r, apperr.Unauthorized("missing Authorization header"))
		return
	}
	customerID, err := customerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.orders.CreateOrder(r.Context(), customerID, map[string]string{
		events.HeaderAuthorization: auth,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	customerID, err := customerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	orders, err := h.orders.GetOrders(r.Context(), customerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []events.OrderWithLineItems{}
	}
	httpserver.WriteJSON(w, http.StatusOK, orders)
}

func (h *Handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, order)
}

func (h *Handlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req updateOrderRequest
	if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
		h.fail(w, r, apperr.Validation("body", "not a JSON object"))
		return
	}

	headers := map[string]string{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		headers[events.HeaderAuthorization] = auth
	}
	order, err := h.orders.UpdateOrder(r.Context(), id, req.Status, headers)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, order)
}

func (h *Handlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderIDFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.orders.DeleteOrder(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("❌ Request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		msg = http.StatusText(status)
	}
	httpserver.WriteJSON(w, status, errorResponse{Error: msg})
}

func customerFrom(r *http.Request) (int64, error) {
	raw := r.Header.Get(headerCustomerID)
	if raw == "" {
		return 0, apperr.Validation(headerCustomerID, "header is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(headerCustomerID, "must be a positive integer")
	}
	return id, nil
}

func orderIDFrom(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("id", "must be a positive integer")
	}
	return id, nil
}

var _ OrderAPI = (*Service)(nil)
