package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/billing/stripe"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

const (
	claimAlreadyClaimed = "already_claimed"
	claimForbidden      = "forbidden"
	claimNotFound       = "not_found"
	claimTemporary      = "temporary_error"
	maxUserIDLen        = 255
	maxJSONBodyBytes    = 64 << 10
)

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

// Handler provides the claim, access and admin HTTP endpoints
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newHandler(config Config) *Handler {
	return &Handler{
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Routes returns a chi router with every configured endpoint mounted.
// Webhook handlers are mounted separately by the server.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/pending-entitlements", h.ListPending)
	r.Post("/claim", h.Claim)
	r.Post("/claim-all", h.ClaimAll)
	r.Get("/entitlements", h.ListEntitlements)
	r.Get("/access/{sku}", h.CheckAccess)
	if h.config.Checkout != nil {
		r.Post("/checkout", h.CreateCheckout)
	}

	if h.config.AdminToken != "" && h.config.Catalog != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/products", h.ListProducts)
			r.Post("/products", h.UpsertProduct)
			r.Post("/products/{sku}/deactivate", h.DeactivateProduct)
			r.Get("/mappings", h.ListMappings)
			r.Post("/mappings", h.UpsertMapping)
			r.Post("/mappings/deactivate", h.DeactivateMapping)
			if h.config.Importer != nil {
				r.Post("/import", h.Import)
			}
		})
	}
	return r
}

// ListPending returns the unclaimed entitlements bought with an email
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	email := entitlement.NormalizeEmail(r.URL.Query().Get("email"))
	if h.config.GetEmail != nil {
		authEmail := entitlement.NormalizeEmail(h.config.GetEmail(r))
		if authEmail == "" {
			h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
			return
		}
		if email == "" {
			email = authEmail
		}
		if email != authEmail {
			h.handleError(w, r, errForbidden, http.StatusForbidden)
			return
		}
	}
	if email == "" {
		h.handleError(w, r, fmt.Errorf("email is required"), http.StatusBadRequest)
		return
	}

	views, err := h.config.Claims.ListPending(r.Context(), email)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list pending entitlements: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, views)
}

// Claim attaches a pending entitlement to a user
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeUser(w, r, req.UserID) {
		return
	}

	var (
		ok  bool
		err error
	)
	if h.config.GetEmail != nil {
		email := entitlement.NormalizeEmail(h.config.GetEmail(r))
		if email == "" {
			h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
			return
		}
		ok, err = h.config.Claims.ClaimAsOwner(r.Context(), req.PendingEntitlementID, req.UserID, email)
	} else {
		ok, err = h.config.Claims.Claim(r.Context(), req.PendingEntitlementID, req.UserID)
	}

	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, ClaimResponse{Success: ok})
	case errors.Is(err, entitlement.ErrEmailMismatch):
		h.writeJSON(w, http.StatusForbidden, ClaimResponse{Error: claimForbidden})
	case errors.Is(err, entitlement.ErrAlreadyClaimed):
		h.writeJSON(w, http.StatusConflict, ClaimResponse{Error: claimAlreadyClaimed})
	case errors.Is(err, entitlement.ErrPendingNotFound), errors.Is(err, entitlement.ErrPendingCancelled):
		h.writeJSON(w, http.StatusNotFound, ClaimResponse{Error: claimNotFound})
	default:
		h.writeJSON(w, http.StatusServiceUnavailable, ClaimResponse{Error: claimTemporary})
	}
}

// ClaimAll claims every pending entitlement of an email for a user
func (h *Handler) ClaimAll(w http.ResponseWriter, r *http.Request) {
	var req ClaimAllRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeUser(w, r, req.UserID) {
		return
	}
	if h.config.GetEmail != nil && entitlement.NormalizeEmail(h.config.GetEmail(r)) != entitlement.NormalizeEmail(req.Email) {
		h.handleError(w, r, errForbidden, http.StatusForbidden)
		return
	}

	outcomes, err := h.config.Claims.ClaimAll(r.Context(), req.UserID, req.Email)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to claim pending entitlements: %w", err), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, outcomes)
}

// ListEntitlements returns a user's entitlements with their access state
func (h *Handler) ListEntitlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	ents, err := h.config.Access.Entitlements(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list entitlements: %w", err), http.StatusInternalServerError)
		return
	}
	features, err := h.config.Access.Features(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve features: %w", err), http.StatusInternalServerError)
		return
	}

	now := h.config.Access.Now()
	resp := EntitlementsResponse{
		UserID:       userID,
		Entitlements: make([]EntitlementView, 0, len(ents)),
		Features:     features,
		CheckedAt:    now.UTC(),
	}
	for _, ent := range ents {
		resp.Entitlements = append(resp.Entitlements, EntitlementView{UserEntitlement: ent, Active: ent.IsActive(now)})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CheckAccess reports whether a user can use a SKU
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sku := chi.URLParam(r, "sku")

	granted, err := h.config.Access.HasAccess(r.Context(), userID, sku)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to check access: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, AccessResponse{SKU: sku, HasAccess: granted})
}

// CreateCheckout starts a hosted checkout for a catalog product
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req stripe.CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, err := h.config.Checkout.CheckoutURL(r.Context(), req)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
	case errors.Is(err, entitlement.ErrProductNotFound), errors.Is(err, entitlement.ErrMappingNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	case errors.Is(err, billing.ErrProviderNotConfigured):
		h.handleError(w, r, err, http.StatusServiceUnavailable)
	default:
		h.config.Logger.Error("checkout session creation failed",
			entitlement.Field{Key: "sku", Value: req.SKU},
			entitlement.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, fmt.Errorf("checkout unavailable"), http.StatusBadGateway)
	}
}

// userID returns the user a read request is about. An authenticated user
// always wins over the query parameter.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	if h.config.GetUserID != nil {
		userID = h.config.GetUserID(r)
		if userID == "" {
			h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
			return "", false
		}
	}
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) authorizeUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.config.GetUserID == nil {
		return true
	}
	authUserID := h.config.GetUserID(r)
	if authUserID == "" {
		h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
		return false
	}
	if authUserID != userID {
		h.handleError(w, r, errForbidden, http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) != 1 {
			h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.handleError(w, r, validationError(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to encode response", entitlement.Field{Key: "error", Value: err.Error()})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
