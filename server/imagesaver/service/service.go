package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/boardsaver/boardsaver/server/imagesaver/domain"
	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/duplicates"
	"github.com/boardsaver/boardsaver/server/internal/events"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	"github.com/boardsaver/boardsaver/server/internal/orchestrator"
	"github.com/boardsaver/boardsaver/server/internal/queue"
	"github.com/boardsaver/boardsaver/server/internal/registry"
	"github.com/boardsaver/boardsaver/server/internal/settings"
)

const batchPrefix = "ImageSaver_"

var (
	ErrEmptyBatch  = errors.New("no images to save")
	ErrBatchActive = errors.New("batch is running")
	ErrNotActive   = errors.New("batch is not running")
)

type Publisher interface {
	Publish(ctx context.Context, job queue.Job) error
}

// Remote image access: bytes for the orchestrator, existence checks for the
// duplicate flow.
type Source interface {
	orchestrator.Fetcher
	duplicates.SourceLookup
}

type Service struct {
	repo       domain.Repository
	settings   *settings.Store
	registry   *registry.Registry
	mq         Publisher
	source     Source
	fs         fsutil.FileSystem
	bus        evbus.Bus
	dupUpdates *notify.Broadcaster[duplicates.State]
	orch       *orchestrator.Orchestrator
}

func New(
	repo domain.Repository,
	settings *settings.Store,
	registry *registry.Registry,
	mq Publisher,
	source Source,
	fsys fsutil.FileSystem,
	bus evbus.Bus,
	progress *notify.Broadcaster[internal.ProgressSnapshot],
	dupUpdates *notify.Broadcaster[duplicates.State],
) *Service {
	s := &Service{
		repo:       repo,
		settings:   settings,
		registry:   registry,
		mq:         mq,
		source:     source,
		fs:         fsys,
		bus:        bus,
		dupUpdates: dupUpdates,
	}

	s.orch = orchestrator.New(repo, registry, source, fsys, progress,
		orchestrator.WithObserver(s.onItem),
	)

	return s
}

// BatchID derives the batch identifier from the set of urls, so saving the
// same images twice lands in the same batch.
func BatchID(urls []string) string {
	sorted := slices.Clone(urls)
	slices.Sort(sorted)

	sum := md5.Sum([]byte(strings.Join(sorted, "\n")))
	return batchPrefix + hex.EncodeToString(sum[:])
}

// Save implements domain.Service.
func (s *Service) Save(ctx context.Context, in domain.SaveInput) (string, error) {
	if len(in.Images) == 0 {
		return "", ErrEmptyBatch
	}

	var opts internal.Options
	if in.Options != nil {
		opts = *in.Options
	} else {
		defaults, err := s.settings.Defaults()
		if err != nil {
			return "", err
		}
		opts = defaults
	}

	if err := settings.Validate(opts); err != nil {
		return "", err
	}

	urls := make([]string, len(in.Images))
	for i, img := range in.Images {
		urls[i] = img.URL
	}
	batchID := BatchID(urls)

	if s.registry.IsActive(batchID) {
		slog.Info("batch already running", slog.String("batch", batchID))
		return batchID, nil
	}

	reqs := make([]internal.DownloadRequest, len(in.Images))
	for i, img := range in.Images {
		reqs[i] = newRequest(batchID, img, opts.DefaultResolutionPolicy)
	}
	if len(reqs) == 1 && strings.TrimSpace(in.DesiredFileName) != "" {
		name := in.DesiredFileName
		reqs[0].DesiredFileName = &name
	}

	n, err := s.repo.Create(ctx, reqs)
	if err != nil {
		return "", err
	}
	if n == 0 {
		// every image of this batch was saved before, use retry or restart
		// to run it again
		slog.Info("batch already saved", slog.String("batch", batchID))
		return batchID, nil
	}

	if err := s.settings.SaveBatchOptions(batchID, opts); err != nil {
		return "", err
	}

	s.bus.Publish(events.TopicBatchQueued, events.BatchQueued{BatchID: batchID, Requests: int(n)})

	return batchID, s.enqueue(ctx, queue.Job{BatchID: batchID})
}

func newRequest(batchID string, img domain.ImageInput, policy internal.ResolutionPolicy) internal.DownloadRequest {
	req := internal.DownloadRequest{
		BatchID:          batchID,
		SourceFileName:   img.ServerFileName,
		SourceURL:        img.URL,
		Status:           internal.StatusQueued,
		ResolutionPolicy: policy,
		CreatedAt:        time.Now(),
		Post:             img.Post,
		FileSize:         img.FileSize,
	}
	if img.OriginalFileName != "" {
		req.OriginalFileName = &img.OriginalFileName
	}
	if img.Extension != "" {
		req.Extension = &img.Extension
	}
	if img.FileHash != "" {
		req.FileHash = &img.FileHash
	}
	return req
}

// Cancel implements domain.Service.
func (s *Service) Cancel(ctx context.Context, batchID string) error {
	if !s.registry.IsActive(batchID) {
		return fmt.Errorf("%w: %s", ErrNotActive, batchID)
	}

	if s.registry.Cancel(batchID) {
		slog.Info("batch canceled", slog.String("batch", batchID))
	}
	return nil
}

// Delete implements domain.Service.
func (s *Service) Delete(ctx context.Context, batchID string) error {
	s.registry.Cancel(batchID)
	s.registry.Unregister(batchID)

	n, err := s.repo.DeleteBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if err := s.settings.DeleteBatchOptions(batchID); err != nil {
		slog.Warn("failed to delete batch options", slog.String("batch", batchID), slog.Any("err", err))
	}

	s.bus.Publish(events.TopicBatchDeleted, events.BatchDeleted{BatchID: batchID, Rows: n})
	return nil
}

// Retry implements domain.Service.
// Failed and canceled requests go back to Queued and the batch runs again.
func (s *Service) Retry(ctx context.Context, batchID string) error {
	if s.registry.IsActive(batchID) {
		return fmt.Errorf("%w: %s", ErrBatchActive, batchID)
	}

	n, err := s.repo.ResetForRetry(ctx, batchID, internal.StatusFailed, internal.StatusCanceled)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	slog.Info("retrying batch", slog.String("batch", batchID), slog.Int64("requests", n))
	return s.enqueue(ctx, queue.Job{BatchID: batchID})
}

// RestartUnfinished implements domain.Service.
// Runs again whatever did not reach an outcome the user accepted: failures
// and pending duplicates, with the resolution already stored for them.
func (s *Service) RestartUnfinished(ctx context.Context, batchID string) error {
	if s.registry.IsActive(batchID) {
		return fmt.Errorf("%w: %s", ErrBatchActive, batchID)
	}

	unfinished, err := s.repo.SelectByStatus(ctx, batchID, internal.StatusFailed, internal.StatusNeedsDuplicateDecision)
	if err != nil {
		return err
	}
	if len(unfinished) == 0 {
		return nil
	}

	if _, err := s.repo.ResetForRetry(ctx, batchID, internal.StatusFailed); err != nil {
		return err
	}

	urls := make([]string, len(unfinished))
	for i := range unfinished {
		urls[i] = unfinished[i].SourceURL
	}

	return s.enqueue(ctx, queue.Job{BatchID: batchID, URLs: urls})
}

// Resume implements domain.Service and duplicates.Runner.
func (s *Service) Resume(ctx context.Context, batchID string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if s.registry.IsActive(batchID) {
		return fmt.Errorf("%w: %s", ErrBatchActive, batchID)
	}
	return s.enqueue(ctx, queue.Job{BatchID: batchID, URLs: urls})
}

// Requests implements domain.Service.
func (s *Service) Requests(ctx context.Context, batchID string) ([]internal.DownloadRequest, error) {
	return s.repo.SelectByBatch(ctx, batchID)
}

// Duplicates implements domain.Service.
func (s *Service) Duplicates(ctx context.Context, batchID string) (*duplicates.Flow, error) {
	flow := duplicates.New(batchID, s.repo, s.source, s, s.fs, s.dupUpdates)
	if err := flow.Load(ctx); err != nil {
		return nil, err
	}
	return flow, nil
}

// Active implements domain.Service.
func (s *Service) Active(ctx context.Context) []string {
	return s.registry.Active()
}

// Restore implements domain.Service.
// Batches left with queued requests by a previous process are queued again.
func (s *Service) Restore(ctx context.Context) error {
	ids, err := s.repo.BatchesWithStatus(ctx, internal.StatusQueued)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if s.registry.IsActive(id) {
			continue
		}
		if err := s.enqueue(ctx, queue.Job{BatchID: id}); err != nil {
			return err
		}
		slog.Info("restored batch", slog.String("batch", id))
	}
	return nil
}

// Sweep removes requests created before the given time, leaving running
// batches alone, then drops the options of batches with no requests left.
func (s *Service) Sweep(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.repo.DeleteOlderThan(ctx, before, s.registry.Active())
	if err != nil {
		return 0, err
	}

	ids, err := s.settings.Batches()
	if err != nil {
		return n, err
	}

	for _, id := range ids {
		if s.registry.IsActive(id) {
			continue
		}
		left, err := s.repo.SelectByBatch(ctx, id)
		if err != nil {
			return n, err
		}
		if len(left) == 0 {
			if err := s.settings.DeleteBatchOptions(id); err != nil {
				return n, err
			}
		}
	}

	return n, nil
}

// enqueue registers the batch token before handing the job to a worker, so a
// batch waiting in the queue can already be canceled.
func (s *Service) enqueue(ctx context.Context, job queue.Job) error {
	if !s.registry.Register(job.BatchID) {
		return fmt.Errorf("%w: %s", ErrBatchActive, job.BatchID)
	}

	if err := s.mq.Publish(ctx, job); err != nil {
		s.registry.Unregister(job.BatchID)
		return err
	}
	return nil
}

// Handle is the queue consumer: it loads the requests of the job and runs
// them through the orchestrator.
func (s *Service) Handle(ctx context.Context, job queue.Job) {
	logger := slog.With(slog.String("batch", job.BatchID))

	opts, err := s.options(job.BatchID)
	if err != nil {
		logger.Error("failed to load batch options", slog.Any("err", err))
		s.registry.Unregister(job.BatchID)
		return
	}

	reqs, err := s.runnable(ctx, job)
	if err != nil {
		logger.Error("failed to load batch requests", slog.Any("err", err))
		s.registry.Unregister(job.BatchID)
		return
	}

	s.bus.Publish(events.TopicBatchStarted, events.BatchStarted{BatchID: job.BatchID, Requests: len(reqs)})
	start := time.Now()

	snapshot := internal.ProgressSnapshot{BatchID: job.BatchID, Completed: true}

	outcome, err := s.orch.Run(ctx, job.BatchID, reqs, opts)
	if err != nil {
		logger.Error("batch run reported violations", slog.Any("err", err))
	}
	if outcome != nil {
		snapshot = outcome.Snapshot()
	}

	s.bus.Publish(events.TopicBatchCompleted, events.BatchCompleted{
		Snapshot: snapshot,
		Elapsed:  time.Since(start),
	})
}

func (s *Service) options(batchID string) (internal.Options, error) {
	opts, err := s.settings.BatchOptions(batchID)
	if errors.Is(err, settings.ErrNotFound) {
		return s.settings.Defaults()
	}
	return opts, err
}

func (s *Service) runnable(ctx context.Context, job queue.Job) ([]internal.DownloadRequest, error) {
	if len(job.URLs) == 0 {
		return s.repo.SelectByStatus(ctx, job.BatchID, internal.StatusQueued)
	}

	reqs, err := s.repo.SelectByURLs(ctx, job.BatchID, job.URLs)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(reqs, func(r internal.DownloadRequest) bool {
		return r.Status != internal.StatusQueued && r.Status != internal.StatusNeedsDuplicateDecision
	}), nil
}

func (s *Service) onItem(batchID string, req *internal.DownloadRequest, res internal.ItemResult) {
	s.bus.Publish(events.TopicItemProcessed, events.ItemProcessed{
		BatchID: batchID,
		URL:     req.SourceURL,
		Status:  res.Status(),
		Size:    req.FileSize,
	})
}
