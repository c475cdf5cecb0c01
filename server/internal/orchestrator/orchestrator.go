package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	"github.com/boardsaver/boardsaver/server/internal/pathresolver"
	"github.com/dustin/go-humanize"
)

// Persists the outcome of a single request.
type Updater interface {
	Update(ctx context.Context, req *internal.DownloadRequest) error
}

// Fetches the bytes of a remote image. Implementations must return an error
// wrapping internal.ErrNotFound when the resource is gone.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

type Tokens interface {
	IsCanceled(batchID string) bool
	Unregister(batchID string)
}

// Called once per processed item, after the result has been persisted.
type ItemObserver func(batchID string, req *internal.DownloadRequest, res internal.ItemResult)

type Orchestrator struct {
	repo     Updater
	tokens   Tokens
	fetcher  Fetcher
	fs       fsutil.FileSystem
	progress *notify.Broadcaster[internal.ProgressSnapshot]
	observer ItemObserver
	logger   *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithObserver(fn ItemObserver) Option { return func(o *Orchestrator) { o.observer = fn } }

func New(
	repo Updater,
	tokens Tokens,
	fetcher Fetcher,
	fsys fsutil.FileSystem,
	progress *notify.Broadcaster[internal.ProgressSnapshot],
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		tokens:   tokens,
		fetcher:  fetcher,
		fs:       fsys,
		progress: progress,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives a batch end to end. Items are processed one at a time in the
// given order; after each of them the request is persisted and a progress
// snapshot is published. The last snapshot always has Completed set and the
// batch token is released before returning.
//
// Per item failures are never returned, they end up in the request status.
// The returned error only reports broken invariants.
func (o *Orchestrator) Run(
	ctx context.Context,
	batchID string,
	requests []internal.DownloadRequest,
	opts internal.Options,
) (*internal.BatchOutcome, error) {
	defer o.tokens.Unregister(batchID)

	for i := range requests {
		s := requests[i].Status
		if s != internal.StatusQueued && s != internal.StatusNeedsDuplicateDecision {
			rejected := internal.NewBatchOutcome(batchID, 0)
			rejected.Completed = true
			o.progress.Publish(rejected.Snapshot())
			return nil, fmt.Errorf("%w: request %s is %s", internal.ErrIllegalTransition, requests[i].SourceURL, s)
		}
	}

	logger := o.logger.With(slog.String("batch", batchID))
	logger.Info("batch started", slog.Int("requests", len(requests)))

	o.checkFreeSpace(logger, opts, requests)

	outcome := internal.NewBatchOutcome(batchID, len(requests))
	o.progress.Publish(outcome.Snapshot())

	var violations []error

	for i := range requests {
		req := &requests[i]

		if o.shuttingDown(ctx, batchID) {
			o.interrupt(logger, outcome, len(requests)-i)
			break
		}

		res := o.process(ctx, batchID, req, opts, outcome)
		if res.Kind == internal.ResultCanceled && o.shuttingDown(ctx, batchID) {
			o.interrupt(logger, outcome, len(requests)-i)
			break
		}

		if err := outcome.Apply(res); err != nil {
			logger.Error("consistency violation", slog.String("url", req.SourceURL), slog.Any("err", err))
			violations = append(violations, err)
		}

		if err := o.persist(ctx, logger, req, res); err != nil {
			violations = append(violations, err)
		}

		if o.observer != nil {
			o.observer(batchID, req, res)
		}

		outcome.Summary = summary(opts, req, len(requests), false)
		o.progress.Publish(outcome.Snapshot())
	}

	outcome.Completed = true
	if len(requests) > 0 {
		outcome.Summary = summary(opts, &requests[len(requests)-1], len(requests), true)
	}
	o.progress.Publish(outcome.Snapshot())

	logger.Info("batch completed",
		slog.Int("downloaded", outcome.Downloaded),
		slog.Int("duplicates", outcome.Duplicates),
		slog.Int("failed", outcome.Failed),
		slog.Int("canceled", outcome.Canceled),
		slog.Bool("dir_error", outcome.HasDirectoryAccessError),
	)

	return outcome, errors.Join(violations...)
}

func (o *Orchestrator) process(
	ctx context.Context,
	batchID string,
	req *internal.DownloadRequest,
	opts internal.Options,
	outcome *internal.BatchOutcome,
) internal.ItemResult {
	if outcome.Halted() || o.tokens.IsCanceled(batchID) {
		return internal.Canceled()
	}

	meta := req.Metadata()
	resolved := pathresolver.Resolve(o.fs, opts, meta)
	target := resolved.Path

	switch resolved.Kind {
	case pathresolver.DirectoryError:
		return internal.DirectoryError(fmt.Errorf("%w: %w", internal.ErrDirectoryAccess, resolved.Reason))

	case pathresolver.AlreadyExists:
		if fsutil.SameContent(o.fs, resolved.Path, meta.Size, meta.Hash) {
			return internal.Success(resolved.Dir)
		}

		switch opts.EffectiveResolution(req) {
		case internal.ResolutionAskUser:
			return internal.Duplicate(resolved.Path)

		case internal.ResolutionSkip:
			if fsutil.Length(o.fs, resolved.Path) > 0 {
				return internal.Success(resolved.Dir)
			}
			return internal.Failure(fmt.Errorf("%w: skipped duplicate is empty", internal.ErrTransport), true)

		case internal.ResolutionSaveAsCopy:
			target = pathresolver.NextFreeCopy(o.fs, resolved.Path)

		case internal.ResolutionOverwrite:
			// the rename at the end of WriteFile replaces the old file, which
			// survives a failed fetch
		}

	case pathresolver.DirectoryReady:
	}

	return o.download(ctx, req.SourceURL, resolved.Dir, target)
}

func (o *Orchestrator) download(ctx context.Context, url, dir, target string) internal.ItemResult {
	body, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		switch {
		case errors.Is(err, internal.ErrNotFound):
			return internal.Failure(err, false)
		case errors.Is(err, context.Canceled), errors.Is(err, internal.ErrCanceled):
			return internal.Canceled()
		default:
			return internal.Failure(fmt.Errorf("%w: %w", internal.ErrTransport, err), true)
		}
	}
	defer body.Close()

	if _, err := fsutil.WriteFile(o.fs, target, body); err != nil {
		switch {
		case fsutil.IsOutOfSpace(err):
			return internal.OutOfDiskSpace(fmt.Errorf("%w: %w", internal.ErrOutOfDiskSpace, err))
		case fsutil.IsWriteError(err):
			return internal.DirectoryError(fmt.Errorf("%w: %w", internal.ErrDirectoryAccess, err))
		case errors.Is(err, context.Canceled):
			return internal.Canceled()
		default:
			return internal.Failure(fmt.Errorf("%w: %w", internal.ErrTransport, err), true)
		}
	}

	return internal.Success(dir)
}

// shuttingDown tells a process shutdown apart from a user cancellation, which
// still marks the remaining requests as canceled.
func (o *Orchestrator) shuttingDown(ctx context.Context, batchID string) bool {
	return ctx.Err() != nil && !o.tokens.IsCanceled(batchID)
}

// interrupt stops the batch when the process is shutting down. Requests not
// processed yet are counted as canceled in the snapshot but keep their stored
// status, so the batch is picked up again on restart.
func (o *Orchestrator) interrupt(logger *slog.Logger, outcome *internal.BatchOutcome, remaining int) {
	for range remaining {
		outcome.Apply(internal.Canceled())
	}
	logger.Info("batch interrupted, remaining requests stay queued", slog.Int("requests", remaining))
}

// persist writes the new status. A storage failure is logged and the batch
// goes on: the in-memory outcome stays authoritative for this run. Only an
// illegal status transition is returned.
func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, req *internal.DownloadRequest, res internal.ItemResult) error {
	next := res.Status()
	if !req.Status.CanTransition(next) {
		err := fmt.Errorf("%w: request %s from %s to %s", internal.ErrIllegalTransition, req.SourceURL, req.Status, next)
		logger.Error("refusing status change", slog.Any("err", err))
		return err
	}

	req.Status = next
	if res.Kind == internal.ResultDuplicate {
		path := res.DuplicatePath
		req.DuplicatePath = &path
	}

	attrs := []any{
		slog.String("url", req.SourceURL),
		slog.String("result", res.Kind.String()),
	}
	if res.Err != nil && res.Kind != internal.ResultDuplicate && res.Kind != internal.ResultCanceled {
		attrs = append(attrs, slog.Any("err", res.Err))
	}
	logger.Info("item processed", attrs...)

	if err := o.repo.Update(context.WithoutCancel(ctx), req); err != nil {
		logger.Error("failed to persist request status",
			slog.String("url", req.SourceURL),
			slog.Any("err", err),
		)
	}
	return nil
}

func (o *Orchestrator) checkFreeSpace(logger *slog.Logger, opts internal.Options, requests []internal.DownloadRequest) {
	var needed uint64
	for i := range requests {
		if requests[i].FileSize > 0 {
			needed += uint64(requests[i].FileSize)
		}
	}
	if needed == 0 || opts.RootDirectory == "" {
		return
	}

	free, err := fsutil.FreeSpace(opts.RootDirectory)
	if err != nil {
		return
	}

	if free < needed {
		logger.Warn("not enough free space for the whole batch",
			slog.String("needed", humanize.Bytes(needed)),
			slog.String("free", humanize.Bytes(free)),
		)
	}
}

// summary is the short text shown by notification consumers: the current
// file while the batch runs, "site/board/thread (N)" once a multi item
// batch is done.
func summary(opts internal.Options, last *internal.DownloadRequest, total int, completed bool) string {
	if !completed || total <= 1 {
		return pathresolver.FileName(opts, last.Metadata())
	}

	p := last.Post
	return fmt.Sprintf("%s/%s/%d (%d)", p.SiteName, p.BoardCode, p.ThreadNo, total)
}
