package api

import (
	"net/http"

	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/orders"
)

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CreateOrder places an order for a product
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64 `json:"product_id" validate:"required,gt=0"`
		Quantity  int   `json:"quantity" validate:"required,gt=0"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.Orders.CreateOrder(r.Context(), currentUser(r), req.ProductID, req.Quantity)
	h.result(w, r, http.StatusCreated, order, err)
}

// ListOrders retrieves the caller's orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter := orders.ListFilter{
		Side:   r.URL.Query().Get("side"),
		Status: models.OrderStatus(r.URL.Query().Get("status")),
	}
	var err error
	if filter.Page, err = queryInt(r, "page"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.PageSize, err = queryInt(r, "page_size"); err != nil {
		h.writeError(w, r, err)
		return
	}

	list, err := h.Orders.ListForUser(r.Context(), currentUser(r), filter)
	h.result(w, r, http.StatusOK, list, err)
}

// GetOrder returns one order to a participant or an admin
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.Orders.Get(r.Context(), id, currentUser(r))
	h.result(w, r, http.StatusOK, order, err)
}

// ConfirmOrder is the seller accepting an order
func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.Orders.ConfirmOrder(r.Context(), id, currentUser(r))
	h.result(w, r, http.StatusOK, order, err)
}

// CompleteOrder is the buyer confirming receipt
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.Orders.CompleteOrder(r.Context(), id, currentUser(r))
	h.result(w, r, http.StatusOK, order, err)
}

// RejectOrder is the seller refusing a pending order
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.Orders.RejectOrder(r.Context(), id, currentUser(r), req.Reason)
	h.result(w, r, http.StatusOK, order, err)
}

// CancelOrder withdraws a pending order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.Orders.CancelOrder(r.Context(), id, currentUser(r), req.Reason)
	h.result(w, r, http.StatusOK, order, err)
}
