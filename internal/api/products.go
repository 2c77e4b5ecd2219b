package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/campusmarket/internal/auth"
	"github.com/xtrntr/campusmarket/internal/catalog"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
)

type productRequest struct {
	Name        string          `json:"name" validate:"required,max=200"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	Category    string          `json:"category" validate:"max=50"`
}

type productPatch struct {
	Name        *string          `json:"name" validate:"omitempty,max=200"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
	Quantity    *int             `json:"quantity" validate:"omitempty,gt=0"`
	Category    *string          `json:"category" validate:"omitempty,max=50"`
}

type moderationRequest struct {
	Decision models.ProductStatus `json:"decision" validate:"required,oneof=Active Rejected"`
	Reason   string               `json:"reason"`
}

type batchModerationRequest struct {
	ProductIDs []int64              `json:"product_ids" validate:"required,min=1,dive,gt=0"`
	Decision   models.ProductStatus `json:"decision" validate:"required,oneof=Active Rejected"`
	Reason     string               `json:"reason"`
}

// ListProducts serves the public listing. Without an explicit status only
// products on sale are shown. Other states are limited to the caller's own
// products unless the caller is an admin.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := catalog.Filter{
		Search:    q.Get("q"),
		Category:  q.Get("category"),
		Status:    models.ProductStatus(q.Get("status")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("order"),
	}
	if filter.Status == "" {
		filter.Status = models.ProductActive
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
	owner, err := queryInt(r, "owner_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter.OwnerID = int64(owner)
	if err := restrictListing(currentClaims(r), &filter); err != nil {
		h.writeError(w, r, err)
		return
	}
	for name, dst := range map[string]**decimal.Decimal{"min_price": &filter.MinPrice, "max_price": &filter.MaxPrice} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			h.writeError(w, r, errs.Validation("%s must be a number", name))
			return
		}
		*dst = &d
	}

	page, err := h.Catalog.List(r.Context(), filter)
	h.result(w, r, http.StatusOK, page, err)
}

// GetProduct returns a single product
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	product, err := h.Catalog.Get(r.Context(), id)
	if err == nil && !canSee(currentClaims(r), product) {
		err = errs.NotFound("product", id)
	}
	h.result(w, r, http.StatusOK, product, err)
}

// DeleteProduct deletes a product with no open orders
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Catalog.Delete(r.Context(), id, currentUser(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// canSee hides unmoderated and retired products from everyone but their
// owner and admins
func canSee(claims *auth.Claims, p *models.Product) bool {
	if p.Status.Public() {
		return true
	}
	return claims != nil && (claims.Role == models.RoleAdmin || claims.UserID == p.OwnerID)
}

func restrictListing(claims *auth.Claims, filter *catalog.Filter) error {
	switch {
	case filter.Status.Public():
		return nil
	case claims == nil:
		return auth.ErrInvalidToken
	case claims.Role == models.RoleAdmin:
		return nil
	case filter.OwnerID == 0:
		filter.OwnerID = claims.UserID
		return nil
	case filter.OwnerID != claims.UserID:
		return errs.Forbidden("only your own %s products can be listed", filter.Status)
	default:
		return nil
	}
}

// PublishProduct lists a new product for review
func (h *Handler) PublishProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	product, err := h.Catalog.Publish(r.Context(), currentUser(r), catalog.Attributes{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Category:    req.Category,
	})
	h.result(w, r, http.StatusCreated, product, err)
}

// EditProduct applies a partial update
func (h *Handler) EditProduct(w http.ResponseWriter, r *http.Request) {
	var req productPatch
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	product, err := h.Catalog.Edit(r.Context(), id, currentUser(r), catalog.Patch{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Category:    req.Category,
	})
	h.result(w, r, http.StatusOK, product, err)
}

// WithdrawProduct takes a product off the market
func (h *Handler) WithdrawProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	product, err := h.Catalog.Withdraw(r.Context(), id, currentUser(r))
	h.result(w, r, http.StatusOK, product, err)
}

// ModerateProduct records an admin review decision
func (h *Handler) ModerateProduct(w http.ResponseWriter, r *http.Request) {
	var req moderationRequest
	id, err := idAndBody(r, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	product, err := h.Catalog.Moderate(r.Context(), id, currentUser(r), req.Decision, req.Reason)
	h.result(w, r, http.StatusOK, product, err)
}

// BatchModerate applies one decision to several products, all or nothing
func (h *Handler) BatchModerate(w http.ResponseWriter, r *http.Request) {
	var req batchModerationRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	products, err := h.Catalog.BatchModerate(r.Context(), req.ProductIDs, currentUser(r), req.Decision, req.Reason)
	h.result(w, r, http.StatusOK, products, err)
}

// AddFavorite follows a product
func (h *Handler) AddFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Catalog.AddFavorite(r.Context(), currentUser(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveFavorite unfollows a product
func (h *Handler) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Catalog.RemoveFavorite(r.Context(), currentUser(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFavorites returns the caller's followed products
func (h *Handler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	products, err := h.Catalog.ListFavorites(r.Context(), currentUser(r))
	h.result(w, r, http.StatusOK, products, err)
}
