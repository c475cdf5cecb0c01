package internal

import "fmt"

type ItemResultKind int

const (
	ResultSuccess ItemResultKind = iota
	ResultDuplicate
	ResultFailure
	ResultCanceled
	ResultDirectoryError
	ResultOutOfDiskSpace
)

func (k ItemResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultDuplicate:
		return "duplicate"
	case ResultFailure:
		return "failure"
	case ResultCanceled:
		return "canceled"
	case ResultDirectoryError:
		return "directory_error"
	case ResultOutOfDiskSpace:
		return "out_of_disk_space"
	}
	return fmt.Sprintf("result(%d)", int(k))
}

// Outcome of processing a single request.
type ItemResult struct {
	Kind ItemResultKind
	// set for ResultSuccess
	OutputDir string
	// set for ResultDuplicate
	DuplicatePath string
	Err           error
	Retryable     bool
}

func Success(dir string) ItemResult { return ItemResult{Kind: ResultSuccess, OutputDir: dir} }

func Duplicate(path string) ItemResult {
	return ItemResult{Kind: ResultDuplicate, DuplicatePath: path, Err: ErrDuplicateConflict}
}

func Failure(err error, retryable bool) ItemResult {
	return ItemResult{Kind: ResultFailure, Err: err, Retryable: retryable}
}

func Canceled() ItemResult { return ItemResult{Kind: ResultCanceled, Err: ErrCanceled} }

func DirectoryError(err error) ItemResult { return ItemResult{Kind: ResultDirectoryError, Err: err} }

func OutOfDiskSpace(err error) ItemResult { return ItemResult{Kind: ResultOutOfDiskSpace, Err: err} }

// Status maps the result onto the persisted request status.
func (r ItemResult) Status() Status {
	switch r.Kind {
	case ResultSuccess:
		return StatusDownloaded
	case ResultDuplicate:
		return StatusNeedsDuplicateDecision
	case ResultCanceled:
		return StatusCanceled
	case ResultFailure, ResultDirectoryError, ResultOutOfDiskSpace:
		return StatusFailed
	}
	panic(fmt.Sprintf("unhandled item result kind %s", r.Kind))
}

// Aggregated state of a running batch. Never persisted.
type BatchOutcome struct {
	BatchID                 string
	Total                   int
	Downloaded              int
	Canceled                int
	Failed                  int
	Duplicates              int
	OutputDirectory         string
	HasDirectoryAccessError bool
	HasOutOfDiskSpaceError  bool
	HasRetryableFailures    bool
	Completed               bool
	Summary                 string
}

func NewBatchOutcome(batchID string, total int) *BatchOutcome {
	return &BatchOutcome{BatchID: batchID, Total: total}
}

// Apply accounts a single item result. The only error returned is
// ErrOutputDirMismatch, the counters are updated regardless.
func (o *BatchOutcome) Apply(r ItemResult) error {
	switch r.Kind {
	case ResultSuccess:
		o.Downloaded++
		if o.OutputDirectory == "" {
			o.OutputDirectory = r.OutputDir
			return nil
		}
		if o.OutputDirectory != r.OutputDir {
			return fmt.Errorf("%w: expected %q, got %q", ErrOutputDirMismatch, o.OutputDirectory, r.OutputDir)
		}
	case ResultDuplicate:
		o.Duplicates++
	case ResultFailure:
		o.Failed++
		if r.Retryable {
			o.HasRetryableFailures = true
		}
	case ResultCanceled:
		o.Canceled++
	case ResultDirectoryError:
		o.Failed++
		o.HasDirectoryAccessError = true
	case ResultOutOfDiskSpace:
		o.Failed++
		o.HasOutOfDiskSpaceError = true
		o.HasRetryableFailures = true
	default:
		panic(fmt.Sprintf("unhandled item result kind %s", r.Kind))
	}
	return nil
}

// Halted reports whether the remaining items must be force canceled.
func (o *BatchOutcome) Halted() bool {
	return o.HasDirectoryAccessError || o.HasOutOfDiskSpaceError
}

func (o *BatchOutcome) Snapshot() ProgressSnapshot {
	s := ProgressSnapshot{
		BatchID:                 o.BatchID,
		Completed:               o.Completed,
		TotalCount:              o.Total,
		DownloadedCount:         o.Downloaded,
		CanceledCount:           o.Canceled,
		FailedCount:             o.Failed,
		DuplicateCount:          o.Duplicates,
		HasDirectoryAccessError: o.HasDirectoryAccessError,
		HasOutOfDiskSpaceError:  o.HasOutOfDiskSpaceError,
		HasRetryableFailures:    o.HasRetryableFailures,
		Summary:                 o.Summary,
	}
	if o.Downloaded > 0 {
		s.OutputDirectory = o.OutputDirectory
	}
	return s
}
