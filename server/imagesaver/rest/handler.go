package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/boardsaver/boardsaver/server/imagesaver/domain"
	"github.com/boardsaver/boardsaver/server/imagesaver/service"
	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/duplicates"
	"github.com/boardsaver/boardsaver/server/internal/pathresolver"
	middlewares "github.com/boardsaver/boardsaver/server/middleware"
	"github.com/go-chi/chi/v5"
)

type RestHandler struct {
	service domain.Service
}

func New(service domain.Service) domain.RestHandler {
	return &RestHandler{service: service}
}

type saveResponse struct {
	BatchID string `json:"batchId"`
}

// Body of a duplicate resolution. Bulk is applied first, then the per item
// choices.
type resolveRequest struct {
	Bulk        string                               `json:"bulk,omitempty"`
	Resolutions map[string]internal.ResolutionPolicy `json:"resolutions,omitempty"`
}

// Save implements domain.RestHandler.
func (h *RestHandler) Save() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		defer r.Body.Close()

		var req domain.SaveInput
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		id, err := h.service.Save(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}

		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(saveResponse{BatchID: id}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// Requests implements domain.RestHandler.
func (h *RestHandler) Requests() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		reqs, err := h.service.Requests(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(reqs) == 0 {
			http.Error(w, "batch not found", http.StatusNotFound)
			return
		}

		if err := json.NewEncoder(w).Encode(reqs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// Cancel implements domain.RestHandler.
func (h *RestHandler) Cancel() http.HandlerFunc {
	return h.batchAction(h.service.Cancel)
}

// Delete implements domain.RestHandler.
func (h *RestHandler) Delete() http.HandlerFunc {
	return h.batchAction(h.service.Delete)
}

// Retry implements domain.RestHandler.
func (h *RestHandler) Retry() http.HandlerFunc {
	return h.batchAction(h.service.Retry)
}

// Restart implements domain.RestHandler.
func (h *RestHandler) Restart() http.HandlerFunc {
	return h.batchAction(h.service.RestartUnfinished)
}

// Active implements domain.RestHandler.
func (h *RestHandler) Active() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(h.service.Active(r.Context())); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// Duplicates implements domain.RestHandler.
func (h *RestHandler) Duplicates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		flow, err := h.service.Duplicates(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := json.NewEncoder(w).Encode(flow.State()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// ResolveDuplicates implements domain.RestHandler.
func (h *RestHandler) ResolveDuplicates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		defer r.Body.Close()

		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		flow, err := h.service.Duplicates(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if req.Bulk != "" {
			op, err := duplicates.ParseBulkOp(req.Bulk)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			flow.ApplyBulk(op)
		}

		for url, policy := range req.Resolutions {
			if err := flow.SetResolution(url, policy); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		if err := flow.Resolve(r.Context()); err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}

		if err := json.NewEncoder(w).Encode(flow.State()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

func (h *RestHandler) batchAction(fn func(ctx context.Context, batchID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := fn(r.Context(), chi.URLParam(r, "id")); err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}

		if err := json.NewEncoder(w).Encode("ok"); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// ApplyRouter implements domain.RestHandler.
func (h *RestHandler) ApplyRouter() func(chi.Router) {
	return func(r chi.Router) {
		r.Use(middlewares.ApplyAuthenticationByConfig)
		r.Post("/", h.Save())
		r.Get("/active", h.Active())
		r.Get("/{id}", h.Requests())
		r.Delete("/{id}", h.Delete())
		r.Post("/{id}/cancel", h.Cancel())
		r.Post("/{id}/retry", h.Retry())
		r.Post("/{id}/restart", h.Restart())
		r.Get("/{id}/duplicates", h.Duplicates())
		r.Post("/{id}/duplicates/resolve", h.ResolveDuplicates())
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrEmptyBatch),
		errors.Is(err, pathresolver.ErrNoRootDirectory),
		errors.Is(err, pathresolver.ErrInvalidSubPath):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotActive):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBatchActive):
		return http.StatusConflict
	case errors.Is(err, internal.ErrUnresolvedItems):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
