package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	middlewares "github.com/boardsaver/boardsaver/server/middleware"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

type (
	ActiveLister interface {
		Active(ctx context.Context) []string
	}
	PendingCounter interface {
		Pending() int
	}
	DefaultsProvider interface {
		Defaults() (internal.Options, error)
	}
)

type Status struct {
	Pending       int      `json:"pending"`
	Active        []string `json:"active"`
	RootDirectory string   `json:"rootDirectory"`
	FreeSpace     uint64   `json:"freeSpace"`
	FreeSpaceText string   `json:"freeSpaceText,omitempty"`
}

type handler struct {
	active   ActiveLister
	pending  PendingCounter
	defaults DefaultsProvider
	free     func(path string) (uint64, error)
}

func ApplyRouter(active ActiveLister, pending PendingCounter, defaults DefaultsProvider) func(chi.Router) {
	h := &handler{
		active:   active,
		pending:  pending,
		defaults: defaults,
		free:     fsutil.FreeSpace,
	}

	return func(r chi.Router) {
		r.Use(middlewares.ApplyAuthenticationByConfig)
		r.Get("/", h.Status)
	}
}

func (h *handler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s := Status{
		Pending: h.pending.Pending(),
		Active:  h.active.Active(r.Context()),
	}
	if s.Active == nil {
		s.Active = []string{}
	}

	opts, err := h.defaults.Defaults()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.RootDirectory = opts.RootDirectory

	// free space is best effort, some platforms cannot report it
	if free, err := h.free(opts.RootDirectory); err == nil {
		s.FreeSpace = free
		s.FreeSpaceText = humanize.IBytes(free)
	} else {
		slog.Debug("free space unavailable", slog.String("path", opts.RootDirectory), slog.Any("err", err))
	}

	if err := json.NewEncoder(w).Encode(s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
