//go:build !unix

package fsutil

import (
	"errors"
	"syscall"
)

var errUnsupported = errors.New("free space lookup not supported on this platform")

func FreeSpace(path string) (uint64, error) { return 0, errUnsupported }

func IsOutOfSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
