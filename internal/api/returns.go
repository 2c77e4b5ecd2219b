package api

import (
	"net/http"

	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/returns"
)

// CreateEvaluation rates the seller of a completed order
func (h *Handler) CreateEvaluation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rating  int    `json:"rating" validate:"required,min=1,max=5"`
		Content string `json:"content" validate:"max=1000"`
	}
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	eval, err := h.Evaluations.CreateEvaluation(r.Context(), id, currentUser(r), req.Rating, req.Content)
	h.result(w, r, http.StatusCreated, eval, err)
}

// ListEvaluations returns the evaluations a seller received
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	evals, err := h.Evaluations.ListForSeller(r.Context(), id)
	h.result(w, r, http.StatusOK, evals, err)
}

// CreateReturn opens a return request for an order
func (h *Handler) CreateReturn(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rr, err := h.Returns.CreateReturnRequest(r.Context(), id, currentUser(r), req.Reason)
	h.result(w, r, http.StatusCreated, rr, err)
}

// GetReturn returns one return request to a participant or an admin
func (h *Handler) GetReturn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rr, err := h.Returns.Get(r.Context(), id, currentUser(r))
	h.result(w, r, http.StatusOK, rr, err)
}

// DecideReturn is the seller accepting or rejecting a return
func (h *Handler) DecideReturn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept *bool  `json:"accept" validate:"required"`
		Note   string `json:"note" validate:"max=500"`
	}
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rr, err := h.Returns.SellerDecideReturn(r.Context(), id, currentUser(r), *req.Accept, req.Note)
	h.result(w, r, http.StatusOK, rr, err)
}

// RequestIntervention escalates a return to the admins
func (h *Handler) RequestIntervention(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rr, err := h.Returns.RequestIntervention(r.Context(), id, currentUser(r), req.Reason)
	h.result(w, r, http.StatusOK, rr, err)
}

// ResolveIntervention records the admin ruling on an escalated return
func (h *Handler) ResolveIntervention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FinalStatus       models.ReturnStatus `json:"final_status" validate:"required,oneof=ReturnAccepted ReturnRejected"`
		Result            string              `json:"result" validate:"required,max=500"`
		SellerCreditDelta *int                `json:"seller_credit_delta" validate:"omitempty,min=-100,max=100"`
		BuyerCreditDelta  *int                `json:"buyer_credit_delta" validate:"omitempty,min=-100,max=100"`
	}
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rr, err := h.Returns.ResolveIntervention(r.Context(), id, currentUser(r), returns.Resolution{
		FinalStatus:       req.FinalStatus,
		Result:            req.Result,
		SellerCreditDelta: req.SellerCreditDelta,
		BuyerCreditDelta:  req.BuyerCreditDelta,
	})
	h.result(w, r, http.StatusOK, rr, err)
}

// AdjustCredit is a manual admin correction of a user's credit
func (h *Handler) AdjustCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta  int    `json:"delta" validate:"required,min=-100,max=100"`
		Reason string `json:"reason" validate:"required,max=500"`
	}
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.Ledger.AdminAdjust(r.Context(), id, req.Delta, currentUser(r), req.Reason)
	h.result(w, r, http.StatusOK, event, err)
}

// CreditHistory lists the caller's credit journal, newest first
func (h *Handler) CreditHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.Ledger.History(r.Context(), currentUser(r), limit)
	h.result(w, r, http.StatusOK, events, err)
}
