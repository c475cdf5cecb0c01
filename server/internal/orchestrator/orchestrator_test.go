package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	"github.com/boardsaver/boardsaver/server/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const batchID = "ImageSaver_test"

type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	args := m.Called(ctx, url)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(args.Get(0).([]byte))), nil
}

type memRepo struct {
	mu      sync.Mutex
	updates []internal.DownloadRequest
}

func (r *memRepo) Update(_ context.Context, req *internal.DownloadRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, *req)
	return nil
}

// fails Create for temporary files whose name starts with one of the keys
type faultyFS struct {
	fsutil.OS
	failCreate map[string]error
}

func (f faultyFS) Create(path string) (fsutil.File, error) {
	for prefix, err := range f.failCreate {
		if strings.HasPrefix(filepath.Base(path), prefix) {
			return nil, err
		}
	}
	return f.OS.Create(path)
}

type fixture struct {
	reg      *registry.Registry
	fetcher  *mockFetcher
	repo     *memRepo
	progress *notify.Broadcaster[internal.ProgressSnapshot]
	sub      *notify.Subscription[internal.ProgressSnapshot]
	opts     internal.Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		reg:      registry.New(),
		fetcher:  &mockFetcher{},
		repo:     &memRepo{},
		progress: notify.New[internal.ProgressSnapshot](64),
		opts: internal.Options{
			RootDirectory:   t.TempDir(),
			AppendBoardCode: true,
			AppendThreadID:  true,
		},
	}
	f.sub = f.progress.Subscribe()
	t.Cleanup(f.sub.Close)

	f.reg.Register(batchID)
	return f
}

func (f *fixture) orchestrator(fsys fsutil.FileSystem, opts ...Option) *Orchestrator {
	return New(f.repo, f.reg, f.fetcher, fsys, f.progress, opts...)
}

func (f *fixture) snapshots() []internal.ProgressSnapshot {
	var out []internal.ProgressSnapshot
	for {
		select {
		case s := <-f.sub.C():
			out = append(out, s)
		default:
			return out
		}
	}
}

func newRequests(n int) []internal.DownloadRequest {
	reqs := make([]internal.DownloadRequest, n)
	for i := range reqs {
		ext := "png"
		reqs[i] = internal.DownloadRequest{
			BatchID:        batchID,
			SourceFileName: fmt.Sprintf("img%d", i+1),
			SourceURL:      fmt.Sprintf("https://i.example.org/g/img%d.png", i+1),
			Status:         internal.StatusQueued,
			Post:           internal.PostDescriptor{SiteName: "example", BoardCode: "g", ThreadNo: 100, PostNo: int64(100 + i)},
			Extension:      &ext,
		}
	}
	return reqs
}

func statuses(reqs []internal.DownloadRequest) []internal.Status {
	out := make([]internal.Status, len(reqs))
	for i := range reqs {
		out[i] = reqs[i].Status
	}
	return out
}

func assertCountsSum(t *testing.T, s internal.ProgressSnapshot) {
	t.Helper()
	assert.Equal(t, s.TotalCount, s.DownloadedCount+s.CanceledCount+s.FailedCount+s.DuplicateCount)
}

func TestRunDownloadsEverything(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(3)
	for _, r := range reqs {
		f.fetcher.On("Fetch", mock.Anything, r.SourceURL).Return([]byte("data-"+r.SourceFileName), nil).Once()
	}

	outcome, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	expectedDir := filepath.Join(f.opts.RootDirectory, "g", "100")
	assert.Equal(t, 3, outcome.Downloaded)
	assert.Equal(t, expectedDir, outcome.OutputDirectory)
	assert.Equal(t, "example/g/100 (3)", outcome.Summary)

	for _, r := range reqs {
		assert.Equal(t, internal.StatusDownloaded, r.Status)
		data, err := os.ReadFile(filepath.Join(expectedDir, r.SourceFileName+".png"))
		require.NoError(t, err)
		assert.Equal(t, "data-"+r.SourceFileName, string(data))
	}

	snaps := f.snapshots()
	require.Len(t, snaps, 5, "start + one per item + final")
	for i, s := range snaps {
		assert.Equal(t, i == len(snaps)-1, s.Completed)
		if i > 0 {
			assert.GreaterOrEqual(t, s.Processed(), snaps[i-1].Processed())
		}
	}
	last := snaps[len(snaps)-1]
	assertCountsSum(t, last)
	assert.Equal(t, expectedDir, last.OutputDirectory)

	assert.Len(t, f.repo.updates, 3)
	assert.False(t, f.reg.IsActive(batchID), "token released")
	f.fetcher.AssertExpectations(t)
}

func TestCancelAfterSecondItem(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(5)
	for _, r := range reqs[:2] {
		f.fetcher.On("Fetch", mock.Anything, r.SourceURL).Return([]byte("x"), nil).Once()
	}

	processed := 0
	o := f.orchestrator(fsutil.OS{}, WithObserver(func(id string, _ *internal.DownloadRequest, _ internal.ItemResult) {
		processed++
		if processed == 2 {
			f.reg.Cancel(id)
		}
	}))

	outcome, err := o.Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, []internal.Status{
		internal.StatusDownloaded,
		internal.StatusDownloaded,
		internal.StatusCanceled,
		internal.StatusCanceled,
		internal.StatusCanceled,
	}, statuses(reqs))
	assert.Equal(t, 2, outcome.Downloaded)
	assert.Equal(t, 3, outcome.Canceled)
	f.fetcher.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestExistingFileNeedsDecision(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(1)

	dir := filepath.Join(f.opts.RootDirectory, "g", "100")
	require.NoError(t, os.MkdirAll(dir, 0755))
	existing := filepath.Join(dir, "img1.png")
	require.NoError(t, os.WriteFile(existing, make([]byte, 900), 0644))

	outcome, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, internal.StatusNeedsDuplicateDecision, reqs[0].Status)
	require.NotNil(t, reqs[0].DuplicatePath)
	assert.Equal(t, existing, *reqs[0].DuplicatePath)
	assert.Equal(t, 1, outcome.Duplicates)
	f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestWriteFailureHaltsBatch(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(3)
	for _, r := range reqs[:2] {
		f.fetcher.On("Fetch", mock.Anything, r.SourceURL).Return([]byte("x"), nil).Once()
	}

	fsys := faultyFS{failCreate: map[string]error{"img2.png": os.ErrPermission}}
	outcome, err := f.orchestrator(fsys).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, []internal.Status{
		internal.StatusDownloaded,
		internal.StatusFailed,
		internal.StatusCanceled,
	}, statuses(reqs))

	last := f.snapshots()
	final := last[len(last)-1]
	assert.True(t, final.Completed)
	assert.True(t, final.HasDirectoryAccessError)
	assertCountsSum(t, final)
	assert.True(t, outcome.HasDirectoryAccessError)
	f.fetcher.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestOutOfDiskSpaceHaltsBatch(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(2)
	f.fetcher.On("Fetch", mock.Anything, reqs[0].SourceURL).Return([]byte("x"), nil).Once()

	fsys := faultyFS{failCreate: map[string]error{"img1.png": syscall.ENOSPC}}
	outcome, err := f.orchestrator(fsys).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, []internal.Status{internal.StatusFailed, internal.StatusCanceled}, statuses(reqs))
	assert.True(t, outcome.HasOutOfDiskSpaceError)
	assert.False(t, outcome.HasDirectoryAccessError)
}

func TestFetchErrors(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(3)
	f.fetcher.On("Fetch", mock.Anything, reqs[0].SourceURL).Return(nil, fmt.Errorf("GET: %w", internal.ErrNotFound))
	f.fetcher.On("Fetch", mock.Anything, reqs[1].SourceURL).Return(nil, errors.New("connection reset"))
	f.fetcher.On("Fetch", mock.Anything, reqs[2].SourceURL).Return(nil, context.Canceled)

	var results []internal.ItemResult
	o := f.orchestrator(fsutil.OS{}, WithObserver(func(_ string, _ *internal.DownloadRequest, res internal.ItemResult) {
		results = append(results, res)
	}))

	outcome, err := o.Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.False(t, results[0].Retryable)
	assert.ErrorIs(t, results[0].Err, internal.ErrNotFound)
	assert.True(t, results[1].Retryable)
	assert.ErrorIs(t, results[1].Err, internal.ErrTransport)
	assert.Equal(t, internal.ResultCanceled, results[2].Kind)

	assert.Equal(t, 2, outcome.Failed)
	assert.Equal(t, 1, outcome.Canceled)
	assert.True(t, outcome.HasRetryableFailures)
	assert.Empty(t, outcome.Snapshot().OutputDirectory)
}

func TestUnregisteredBatchNeverRuns(t *testing.T) {
	f := newFixture(t)
	f.reg.Unregister(batchID)
	reqs := newRequests(2)

	outcome, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.Canceled)
	f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestRejectsTerminalRequests(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(2)
	reqs[1].Status = internal.StatusDownloaded

	_, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	assert.ErrorIs(t, err, internal.ErrIllegalTransition)
	assert.Empty(t, f.repo.updates)
	assert.False(t, f.reg.IsActive(batchID))

	snaps := f.snapshots()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Completed)
	assert.Equal(t, batchID, snaps[0].BatchID)
	assertCountsSum(t, snaps[0])
}

func TestShutdownLeavesRemainingQueued(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.fetcher.On("Fetch", mock.Anything, reqs[0].SourceURL).
		Run(func(mock.Arguments) { cancel() }).
		Return([]byte("x"), nil).Once()

	outcome, err := f.orchestrator(fsutil.OS{}).Run(ctx, batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, []internal.Status{
		internal.StatusDownloaded,
		internal.StatusQueued,
		internal.StatusQueued,
	}, statuses(reqs))

	require.Len(t, f.repo.updates, 1)
	assert.Equal(t, reqs[0].SourceURL, f.repo.updates[0].SourceURL)
	assert.Equal(t, 1, outcome.Downloaded)
	assert.Equal(t, 2, outcome.Canceled)

	snaps := f.snapshots()
	final := snaps[len(snaps)-1]
	assert.True(t, final.Completed)
	assertCountsSum(t, final)
	assert.False(t, f.reg.IsActive(batchID))
	f.fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestShutdownDuringFetchKeepsItemQueued(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(2)
	reqs[1].Status = internal.StatusNeedsDuplicateDecision

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.fetcher.On("Fetch", mock.Anything, reqs[0].SourceURL).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	outcome, err := f.orchestrator(fsutil.OS{}).Run(ctx, batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, []internal.Status{
		internal.StatusQueued,
		internal.StatusNeedsDuplicateDecision,
	}, statuses(reqs))
	assert.Empty(t, f.repo.updates)
	assert.Equal(t, 2, outcome.Canceled)
}

func TestCancelBeforeShutdownStillCancels(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.fetcher.On("Fetch", mock.Anything, reqs[0].SourceURL).
		Run(func(mock.Arguments) {
			f.reg.Cancel(batchID)
			cancel()
		}).
		Return([]byte("x"), nil).Once()

	_, err := f.orchestrator(fsutil.OS{}).Run(ctx, batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, []internal.Status{internal.StatusDownloaded, internal.StatusCanceled}, statuses(reqs))
	assert.Len(t, f.repo.updates, 2)
}

func TestOverwriteKeepsFileWhenFetchFails(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(1)
	reqs[0].Status = internal.StatusNeedsDuplicateDecision
	reqs[0].ResolutionPolicy = internal.ResolutionOverwrite

	dir := filepath.Join(f.opts.RootDirectory, "g", "100")
	require.NoError(t, os.MkdirAll(dir, 0755))
	existing := filepath.Join(dir, "img1.png")
	require.NoError(t, os.WriteFile(existing, []byte("old"), 0644))

	f.fetcher.On("Fetch", mock.Anything, reqs[0].SourceURL).Return(nil, fmt.Errorf("GET: %w", internal.ErrNotFound)).Once()

	outcome, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, internal.StatusFailed, reqs[0].Status)
	assert.Equal(t, 1, outcome.Failed)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestPersistRefusesIllegalTransition(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(fsutil.OS{})

	req := newRequests(1)[0]
	req.Status = internal.StatusDownloaded

	err := o.persist(context.Background(), o.logger, &req, internal.Failure(internal.ErrTransport, true))
	assert.ErrorIs(t, err, internal.ErrIllegalTransition)
	assert.Equal(t, internal.StatusDownloaded, req.Status)
	assert.Empty(t, f.repo.updates)

	req.Status = internal.StatusNeedsDuplicateDecision
	require.NoError(t, o.persist(context.Background(), o.logger, &req, internal.Success("/dl")))
	assert.Equal(t, internal.StatusDownloaded, req.Status)
	assert.Len(t, f.repo.updates, 1)
}

func TestResolutionPolicies(t *testing.T) {
	cases := []struct {
		name     string
		policy   internal.ResolutionPolicy
		fetches  bool
		expected map[string]string
	}{
		{
			name:     "overwrite",
			policy:   internal.ResolutionOverwrite,
			fetches:  true,
			expected: map[string]string{"img1.png": "new"},
		},
		{
			name:     "skip",
			policy:   internal.ResolutionSkip,
			expected: map[string]string{"img1.png": "old"},
		},
		{
			name:     "save as copy",
			policy:   internal.ResolutionSaveAsCopy,
			fetches:  true,
			expected: map[string]string{"img1.png": "old", "img1_(1).png": "new"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			reqs := newRequests(1)
			reqs[0].Status = internal.StatusNeedsDuplicateDecision
			reqs[0].ResolutionPolicy = tc.policy

			dir := filepath.Join(f.opts.RootDirectory, "g", "100")
			require.NoError(t, os.MkdirAll(dir, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "img1.png"), []byte("old"), 0644))

			if tc.fetches {
				f.fetcher.On("Fetch", mock.Anything, reqs[0].SourceURL).Return([]byte("new"), nil).Once()
			}

			outcome, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
			require.NoError(t, err)

			assert.Equal(t, internal.StatusDownloaded, reqs[0].Status)
			assert.Equal(t, dir, outcome.OutputDirectory)
			for name, content := range tc.expected {
				data, err := os.ReadFile(filepath.Join(dir, name))
				require.NoError(t, err)
				assert.Equal(t, content, string(data))
			}
			f.fetcher.AssertExpectations(t)
			if !tc.fetches {
				f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestBatchDefaultOverridesRequestPolicy(t *testing.T) {
	f := newFixture(t)
	f.opts.DefaultResolutionPolicy = internal.ResolutionSkip
	reqs := newRequests(1)
	reqs[0].ResolutionPolicy = internal.ResolutionOverwrite

	dir := filepath.Join(f.opts.RootDirectory, "g", "100")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img1.png"), []byte("old"), 0644))

	_, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, internal.StatusDownloaded, reqs[0].Status)
	f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestIdenticalFileIsSkipped(t *testing.T) {
	f := newFixture(t)
	reqs := newRequests(1)

	content := []byte("same bytes")
	hash, err := fsutil.MD5(fsutil.OS{}, writeTemp(t, content))
	require.NoError(t, err)

	reqs[0].FileSize = int64(len(content))
	reqs[0].FileHash = &hash

	dir := filepath.Join(f.opts.RootDirectory, "g", "100")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img1.png"), content, 0644))

	_, err = f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, internal.StatusDownloaded, reqs[0].Status, "identical files are never reported as duplicates")
	f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestDirectoryErrorOnResolve(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(f.opts.RootDirectory, "g")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	reqs := newRequests(2)

	outcome, err := f.orchestrator(fsutil.OS{}).Run(context.Background(), batchID, reqs, f.opts)
	require.NoError(t, err)

	assert.Equal(t, []internal.Status{internal.StatusFailed, internal.StatusCanceled}, statuses(reqs))
	assert.True(t, outcome.HasDirectoryAccessError)
	f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tmp")
	require.NoError(t, os.WriteFile(p, content, 0644))
	return p
}
