package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wekeza-labs/backend-duka/internal/common"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

// Handler exposes public catalog endpoints.
type Handler struct {
	Service *Service
}

// List handles GET /api/v1/products.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := common.ParsePagination(r, 20)
	products, err := h.Service.List(r.Context(), int32(perPage), int32((page-1)*perPage))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list products", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": products})
}

// Get handles GET /api/v1/products/{productID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	param := chi.URLParam(r, "productID")
	id, err := store.ToUUID(param)
	var product Product
	if err == nil {
		product, err = h.Service.Get(r.Context(), id)
	} else {
		product, err = h.Service.GetBySlug(r.Context(), param)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "GET_FAILED", "failed to load product", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": product})
}
