package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/duplicates"
	"github.com/go-chi/chi/v5"
)

// One image to save, as submitted by the caller.
type ImageInput struct {
	URL              string                  `json:"url"`
	ServerFileName   string                  `json:"serverFileName"`
	OriginalFileName string                  `json:"originalFileName,omitempty"`
	Extension        string                  `json:"extension,omitempty"`
	FileSize         int64                   `json:"fileSize,omitempty"`
	FileHash         string                  `json:"fileHash,omitempty"`
	Post             internal.PostDescriptor `json:"post"`
}

type SaveInput struct {
	Images []ImageInput `json:"images"`
	// only honoured for single image saves
	DesiredFileName string `json:"desiredFileName,omitempty"`
	// overrides the saved options when set
	Options *internal.Options `json:"options,omitempty"`
}

type Repository interface {
	Create(ctx context.Context, reqs []internal.DownloadRequest) (int64, error)
	Update(ctx context.Context, req *internal.DownloadRequest) error
	UpdateResolution(ctx context.Context, batchID string, policies map[string]internal.ResolutionPolicy) error
	SelectByBatch(ctx context.Context, batchID string) ([]internal.DownloadRequest, error)
	SelectByStatus(ctx context.Context, batchID string, statuses ...internal.Status) ([]internal.DownloadRequest, error)
	SelectByURLs(ctx context.Context, batchID string, urls []string) ([]internal.DownloadRequest, error)
	BatchesWithStatus(ctx context.Context, statuses ...internal.Status) ([]string, error)
	ResetForRetry(ctx context.Context, batchID string, statuses ...internal.Status) (int64, error)
	DeleteBatch(ctx context.Context, batchID string) (int64, error)
	DeleteOlderThan(ctx context.Context, before time.Time, keep []string) (int64, error)
}

type Service interface {
	Save(ctx context.Context, in SaveInput) (string, error)
	Cancel(ctx context.Context, batchID string) error
	Delete(ctx context.Context, batchID string) error
	Retry(ctx context.Context, batchID string) error
	RestartUnfinished(ctx context.Context, batchID string) error
	Resume(ctx context.Context, batchID string, urls []string) error
	Requests(ctx context.Context, batchID string) ([]internal.DownloadRequest, error)
	Duplicates(ctx context.Context, batchID string) (*duplicates.Flow, error)
	Active(ctx context.Context) []string
	Restore(ctx context.Context) error
}

type RestHandler interface {
	Save() http.HandlerFunc
	Requests() http.HandlerFunc
	Cancel() http.HandlerFunc
	Delete() http.HandlerFunc
	Retry() http.HandlerFunc
	Restart() http.HandlerFunc
	Active() http.HandlerFunc
	Duplicates() http.HandlerFunc
	ResolveDuplicates() http.HandlerFunc
	ApplyRouter() func(chi.Router)
}
