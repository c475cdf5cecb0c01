package internal

import "errors"

var (
	// remote resource is gone, never retried automatically
	ErrNotFound = errors.New("remote resource not found")
	// network or IO failure, retryable by submitting the request again
	ErrTransport = errors.New("transport error")
	ErrCanceled  = errors.New("canceled")
	// the batch output directory became unusable
	ErrDirectoryAccess = errors.New("output directory is not accessible")
	ErrOutOfDiskSpace  = errors.New("out of disk space")
	// not an error for the user, a decision is required
	ErrDuplicateConflict = errors.New("file already exists")

	ErrUnresolvedItems   = errors.New("some duplicates still have no resolution")
	ErrOutputDirMismatch = errors.New("successful downloads resolved to different output directories")
	ErrIllegalTransition = errors.New("illegal status transition")
)
