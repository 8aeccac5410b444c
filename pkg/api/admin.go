package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/importer"
)

// ListProducts returns the catalog. ?all=true includes inactive products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.config.Catalog.ListProducts(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list products: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, products)
}

// UpsertProduct creates or updates a product
func (h *Handler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := &entitlement.Product{
		SKU:         strings.TrimSpace(req.SKU),
		DisplayName: req.DisplayName,
		Tier:        req.Tier,
		Features:    req.Features,
		PriceCents:  req.PriceCents,
		Currency:    strings.ToLower(req.Currency),
		BillingType: entitlement.BillingType(req.BillingType),
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	if err := h.config.Catalog.UpsertProduct(r.Context(), p); err != nil {
		if errors.Is(err, entitlement.ErrInvalidProduct) {
			h.handleError(w, r, err, http.StatusBadRequest)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to save product: %w", err), http.StatusInternalServerError)
		return
	}

	stored, err := h.config.Catalog.GetProduct(r.Context(), p.SKU)
	if err != nil {
		stored = p
	}
	h.writeJSON(w, http.StatusOK, stored)
}

// DeactivateProduct marks a product inactive
func (h *Handler) DeactivateProduct(w http.ResponseWriter, r *http.Request) {
	err := h.config.Catalog.DeactivateProduct(r.Context(), chi.URLParam(r, "sku"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, entitlement.ErrProductNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	default:
		h.handleError(w, r, fmt.Errorf("failed to deactivate product: %w", err), http.StatusInternalServerError)
	}
}

// ListMappings returns every provider mapping, active or not
func (h *Handler) ListMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.config.Catalog.ListMappings(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list mappings: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, mappings)
}

// UpsertMapping creates or re-points a provider mapping
func (h *Handler) UpsertMapping(w http.ResponseWriter, r *http.Request) {
	var req MappingRequest
	if !h.decode(w, r, &req) {
		return
	}

	m := &entitlement.ProviderMapping{
		Provider:          entitlement.Provider(req.Provider),
		ProviderProductID: strings.TrimSpace(req.ProviderProductID),
		ProductSKU:        strings.TrimSpace(req.ProductSKU),
		IsActive:          true,
	}
	err := h.config.Catalog.UpsertMapping(r.Context(), m)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, m)
	case errors.Is(err, entitlement.ErrProductNotFound):
		h.handleError(w, r, err, http.StatusUnprocessableEntity)
	default:
		h.handleError(w, r, fmt.Errorf("failed to save mapping: %w", err), http.StatusInternalServerError)
	}
}

// DeactivateMapping deactivates the active mapping of a provider product
func (h *Handler) DeactivateMapping(w http.ResponseWriter, r *http.Request) {
	var req DeactivateMappingRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.config.Catalog.DeactivateMapping(r.Context(), entitlement.Provider(req.Provider), req.ProviderProductID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, entitlement.ErrMappingNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	default:
		h.handleError(w, r, fmt.Errorf("failed to deactivate mapping: %w", err), http.StatusInternalServerError)
	}
}

// Import ingests a purchase CSV sent as the request body or as the multipart
// field "file", and returns the per-row report.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxImportBytes)

	var src io.Reader = r.Body
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			h.handleError(w, r, fmt.Errorf("missing file field: %w", err), http.StatusBadRequest)
			return
		}
		defer file.Close()
		src = file
	}

	report, err := h.config.Importer.Import(r.Context(), src)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			h.handleError(w, r, fmt.Errorf("file too large"), http.StatusRequestEntityTooLarge)
		case errors.Is(err, importer.ErrEmptyFile), errors.Is(err, importer.ErrMissingColumns):
			h.handleError(w, r, err, http.StatusBadRequest)
		default:
			h.handleError(w, r, fmt.Errorf("failed to read csv: %w", err), http.StatusBadRequest)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
