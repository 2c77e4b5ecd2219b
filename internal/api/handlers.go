package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/auth"
	"github.com/xtrntr/campusmarket/internal/catalog"
	"github.com/xtrntr/campusmarket/internal/credit"
	"github.com/xtrntr/campusmarket/internal/errs"
	"github.com/xtrntr/campusmarket/internal/models"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/orders"
	"github.com/xtrntr/campusmarket/internal/returns"
)

type contextKey struct{}

var claimsKey = contextKey{}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler contains dependencies for HTTP handlers
type Handler struct {
	AuthService *auth.AuthService
	Catalog     *catalog.Catalog
	Orders      *orders.Service
	Ledger      *credit.Ledger
	Evaluations *credit.Evaluations
	Returns     *returns.Service
	Hub         *notify.Hub
	logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(authService *auth.AuthService, cat *catalog.Catalog, ord *orders.Service, ledger *credit.Ledger, evals *credit.Evaluations, ret *returns.Service, hub *notify.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		AuthService: authService,
		Catalog:     cat,
		Orders:      ord,
		Ledger:      ledger,
		Evaluations: evals,
		Returns:     ret,
		Hub:         hub,
		logger:      logger,
	}
}

// Routes mounts every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Use(middleware.RequestID, h.RequestLogger, middleware.Recoverer)

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.With(h.OptionalAuthMiddleware).Get("/products", h.ListProducts)
	r.With(h.OptionalAuthMiddleware).Get("/products/{id}", h.GetProduct)
	r.Get("/users/{id}/evaluations", h.ListEvaluations)
	if h.Hub != nil {
		r.Get("/ws", h.ServeWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Post("/products", h.PublishProduct)
		r.Patch("/products/{id}", h.EditProduct)
		r.Delete("/products/{id}", h.DeleteProduct)
		r.Post("/products/{id}/withdraw", h.WithdrawProduct)
		r.Post("/products/{id}/favorite", h.AddFavorite)
		r.Delete("/products/{id}/favorite", h.RemoveFavorite)
		r.Get("/users/me/favorites", h.ListFavorites)
		r.Get("/users/me/credit", h.CreditHistory)

		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/confirm", h.ConfirmOrder)
		r.Post("/orders/{id}/complete", h.CompleteOrder)
		r.Post("/orders/{id}/reject", h.RejectOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Post("/orders/{id}/evaluation", h.CreateEvaluation)
		r.Post("/orders/{id}/return", h.CreateReturn)

		r.Get("/returns/{id}", h.GetReturn)
		r.Post("/returns/{id}/decision", h.DecideReturn)
		r.Post("/returns/{id}/intervention", h.RequestIntervention)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/products/moderation", h.BatchModerate)
			r.Post("/products/{id}/moderation", h.ModerateProduct)
			r.Post("/returns/{id}/resolution", h.ResolveIntervention)
			r.Put("/users/{id}/credit", h.AdjustCredit)
		})
	})
}

// Register handles user registration. New accounts start unverified; campus
// verification happens outside this service.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required,max=50"`
		Password string `json:"password" validate:"required,max=72"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password, models.RoleUser, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies bearer tokens and stores the claims in the
// request context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			h.writeError(w, r, auth.ErrInvalidToken)
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := h.AuthService.ParseToken(tokenString)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// OptionalAuthMiddleware is JWTAuthMiddleware for routes anonymous callers
// may use too. A token that is present must still be valid.
func (h *Handler) OptionalAuthMiddleware(next http.Handler) http.Handler {
	authed := h.JWTAuthMiddleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
}

// ServeWS attaches a websocket for live notifications. Browsers cannot set
// headers on the upgrade request, so the token travels as a query parameter.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.AuthService.ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Hub.Serve(w, r, claims.UserID)
}

// RequestLogger logs one line per request
func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func currentUser(r *http.Request) int64 {
	claims := currentClaims(r)
	if claims == nil {
		return 0
	}
	return claims.UserID
}

// currentClaims is nil for anonymous requests
func currentClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Validation("%s must be an integer", name)
	}
	return n, nil
}

// decode reads a JSON body into dst and runs its validate tags
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Validation("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errs.Validation("field %s failed on %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		return errs.Validation("%v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	}

	code := errs.Code(err)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, code
	case errors.Is(err, errs.ErrInvalidState), errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrInsufficientStock):
		return http.StatusConflict, code
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, code
	case errors.Is(err, errs.ErrTransient):
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func idAndBody(r *http.Request, dst any) (int64, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, err
	}
	if dst != nil {
		if err := decode(r, dst); err != nil {
			return 0, err
		}
	}
	return id, nil
}
