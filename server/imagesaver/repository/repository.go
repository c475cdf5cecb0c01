package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/boardsaver/boardsaver/server/imagesaver/domain"
	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/jmoiron/sqlx"
)

const table = "image_download_requests"

// rows per INSERT statement, keeps us well below the SQLite variables limit
const insertChunk = 500

var columns = []string{
	"batch_id",
	"source_server_name",
	"source_url",
	"desired_name",
	"status",
	"duplicate_path",
	"resolution_policy",
	"created_at",
	"post_descriptor",
	"original_name",
	"extension",
	"file_size",
	"file_hash",
}

const schema = `
CREATE TABLE IF NOT EXISTS image_download_requests (
	batch_id           TEXT NOT NULL,
	source_server_name TEXT NOT NULL,
	source_url         TEXT NOT NULL,
	desired_name       TEXT NULL,
	status             INTEGER NOT NULL DEFAULT 0,
	duplicate_path     TEXT NULL,
	resolution_policy  INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	post_descriptor    TEXT NOT NULL,
	original_name      TEXT NULL,
	extension          TEXT NULL,
	file_size          INTEGER NOT NULL DEFAULT 0,
	file_hash          TEXT NULL,
	UNIQUE(batch_id, source_url)
);

CREATE INDEX IF NOT EXISTS idx_requests_batch_status ON image_download_requests(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_requests_created_at ON image_download_requests(created_at);
`

var ErrNoSuchRequest = errors.New("no such download request")

type Repository struct {
	db *sqlx.DB
	qb sq.StatementBuilderType
}

func New(db *sqlx.DB) (domain.Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate %s: %w", table, err)
	}

	return &Repository{
		db: db,
		qb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Create implements domain.Repository.
// Requests already present for the same (batch_id, source_url) are ignored,
// the returned count only includes the new ones.
func (r *Repository) Create(ctx context.Context, reqs []internal.DownloadRequest) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var inserted int64

	for start := 0; start < len(reqs); start += insertChunk {
		end := min(start+insertChunk, len(reqs))

		query := r.qb.Insert(table).Options("OR IGNORE").Columns(columns...)
		for i := start; i < end; i++ {
			req := &reqs[i]
			if req.CreatedAt.IsZero() {
				req.CreatedAt = time.Now()
			}
			query = query.Values(
				req.BatchID,
				req.SourceFileName,
				req.SourceURL,
				req.DesiredFileName,
				int(req.Status),
				req.DuplicatePath,
				int(req.ResolutionPolicy),
				req.CreatedAt.UTC(),
				req.Post,
				req.OriginalFileName,
				req.Extension,
				req.FileSize,
				req.FileHash,
			)
		}

		stmt, args, err := query.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build insert: %w", err)
		}

		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	return inserted, tx.Commit()
}

func (r *Repository) updateQuery(req *internal.DownloadRequest) sq.UpdateBuilder {
	return r.qb.Update(table).
		Set("status", int(req.Status)).
		Set("duplicate_path", req.DuplicatePath).
		Set("resolution_policy", int(req.ResolutionPolicy)).
		Set("desired_name", req.DesiredFileName).
		Where(sq.Eq{"batch_id": req.BatchID, "source_url": req.SourceURL})
}

// Update implements domain.Repository.
func (r *Repository) Update(ctx context.Context, req *internal.DownloadRequest) error {
	stmt, args, err := r.updateQuery(req).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoSuchRequest, req.BatchID, req.SourceURL)
	}
	return nil
}

// UpdateResolution implements domain.Repository.
func (r *Repository) UpdateResolution(
	ctx context.Context,
	batchID string,
	policies map[string]internal.ResolutionPolicy,
) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		for url, policy := range policies {
			stmt, args, err := r.qb.Update(table).
				Set("resolution_policy", int(policy)).
				Where(sq.Eq{"batch_id": batchID, "source_url": url}).
				ToSql()
			if err != nil {
				return fmt.Errorf("build update: %w", err)
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) selectWhere(ctx context.Context, pred sq.Sqlizer) ([]internal.DownloadRequest, error) {
	stmt, args, err := r.qb.Select(columns...).
		From(table).
		Where(pred).
		OrderBy("rowid ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	reqs := []internal.DownloadRequest{}
	if err := r.db.SelectContext(ctx, &reqs, stmt, args...); err != nil {
		return nil, err
	}
	return reqs, nil
}

// SelectByBatch implements domain.Repository.
func (r *Repository) SelectByBatch(ctx context.Context, batchID string) ([]internal.DownloadRequest, error) {
	return r.selectWhere(ctx, sq.Eq{"batch_id": batchID})
}

// SelectByStatus implements domain.Repository.
func (r *Repository) SelectByStatus(
	ctx context.Context,
	batchID string,
	statuses ...internal.Status,
) ([]internal.DownloadRequest, error) {
	return r.selectWhere(ctx, sq.Eq{"batch_id": batchID, "status": rawStatuses(statuses)})
}

// SelectByURLs implements domain.Repository.
func (r *Repository) SelectByURLs(ctx context.Context, batchID string, urls []string) ([]internal.DownloadRequest, error) {
	return r.selectWhere(ctx, sq.Eq{"batch_id": batchID, "source_url": urls})
}

// BatchesWithStatus implements domain.Repository.
func (r *Repository) BatchesWithStatus(ctx context.Context, statuses ...internal.Status) ([]string, error) {
	stmt, args, err := r.qb.Select("batch_id").
		Distinct().
		From(table).
		Where(sq.Eq{"status": rawStatuses(statuses)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, stmt, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// ResetForRetry implements domain.Repository.
// This is the only way a request goes back to Queued.
func (r *Repository) ResetForRetry(ctx context.Context, batchID string, statuses ...internal.Status) (int64, error) {
	stmt, args, err := r.qb.Update(table).
		Set("status", int(internal.StatusQueued)).
		Where(sq.Eq{"batch_id": batchID, "status": rawStatuses(statuses)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update: %w", err)
	}

	return r.exec(ctx, stmt, args...)
}

// DeleteBatch implements domain.Repository.
func (r *Repository) DeleteBatch(ctx context.Context, batchID string) (int64, error) {
	stmt, args, err := r.qb.Delete(table).Where(sq.Eq{"batch_id": batchID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}

	return r.exec(ctx, stmt, args...)
}

// DeleteOlderThan implements domain.Repository.
func (r *Repository) DeleteOlderThan(ctx context.Context, before time.Time, keep []string) (int64, error) {
	stmt, args, err := r.qb.Delete(table).
		Where(sq.Lt{"created_at": before.UTC()}).
		Where(sq.NotEq{"batch_id": keep}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}

	return r.exec(ctx, stmt, args...)
}

func (r *Repository) exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func rawStatuses(statuses []internal.Status) []int {
	raw := make([]int, len(statuses))
	for i, s := range statuses {
		raw[i] = int(s)
	}
	return raw
}
