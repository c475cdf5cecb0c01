package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	all := []Status{
		StatusQueued,
		StatusDownloaded,
		StatusFailed,
		StatusCanceled,
		StatusNeedsDuplicateDecision,
	}

	for _, from := range all {
		for _, to := range all {
			want := (from == StatusQueued || from == StatusNeedsDuplicateDecision) && to != StatusQueued
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestEffectiveResolution(t *testing.T) {
	req := &DownloadRequest{ResolutionPolicy: ResolutionSkip}

	assert.Equal(t, ResolutionSkip, Options{DefaultResolutionPolicy: ResolutionAskUser}.EffectiveResolution(req))
	assert.Equal(t, ResolutionOverwrite, Options{DefaultResolutionPolicy: ResolutionOverwrite}.EffectiveResolution(req))
}

func TestPostDescriptorScan(t *testing.T) {
	var p PostDescriptor
	require.NoError(t, p.Scan([]byte("4chan/g/123/456")))
	assert.Equal(t, PostDescriptor{SiteName: "4chan", BoardCode: "g", ThreadNo: 123, PostNo: 456}, p)

	assert.Error(t, p.Scan("4chan/g/abc/1"))
	assert.Error(t, p.Scan("too/short"))
}

func TestBatchOutcomeCounts(t *testing.T) {
	o := NewBatchOutcome("b", 6)

	require.NoError(t, o.Apply(Success("/dl/a")))
	require.NoError(t, o.Apply(Duplicate("/dl/a/x.png")))
	require.NoError(t, o.Apply(Failure(ErrNotFound, false)))
	require.NoError(t, o.Apply(Canceled()))
	require.NoError(t, o.Apply(OutOfDiskSpace(ErrOutOfDiskSpace)))

	err := o.Apply(Success("/dl/b"))
	assert.True(t, errors.Is(err, ErrOutputDirMismatch))

	s := o.Snapshot()
	assert.Equal(t, o.Total, s.Processed())
	assert.Equal(t, 2, s.DownloadedCount)
	assert.Equal(t, 2, s.FailedCount)
	assert.Equal(t, "/dl/a", s.OutputDirectory)
	assert.True(t, s.HasOutOfDiskSpaceError)
	assert.True(t, s.HasRetryableFailures)
	assert.True(t, o.Halted())
}

func TestSnapshotHidesOutputDirWithoutDownloads(t *testing.T) {
	o := NewBatchOutcome("b", 1)
	require.NoError(t, o.Apply(DirectoryError(ErrDirectoryAccess)))

	s := o.Snapshot()
	assert.Empty(t, s.OutputDirectory)
	assert.True(t, s.HasDirectoryAccessError)
	assert.Equal(t, StatusFailed, DirectoryError(ErrDirectoryAccess).Status())
}
