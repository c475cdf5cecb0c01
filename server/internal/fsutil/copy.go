package fsutil

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
)

const partSuffix = ".part"

// Tells apart a failing source from a failing destination.
type CopyError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *CopyError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *CopyError) Unwrap() error { return e.Err }

func IsWriteError(err error) bool {
	var ce *CopyError
	return errors.As(err, &ce) && ce.Op == "write"
}

type errWriter struct{ w io.Writer }

func (e errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		return n, &CopyError{Op: "write", Err: err}
	}
	return n, nil
}

type errReader struct{ r io.Reader }

func (e errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &CopyError{Op: "read", Err: err}
	}
	return n, err
}

// WriteFile streams r into dest through a temporary ".part" file that is
// renamed over dest only once everything has been flushed to disk. On any
// failure the temporary file is removed, so a partially copied file is never
// left at dest.
func WriteFile(fsys FileSystem, dest string, r io.Reader) (int64, error) {
	tmp := dest + partSuffix

	f, err := fsys.Create(tmp)
	if err != nil {
		return 0, &CopyError{Op: "write", Err: err}
	}

	n, err := io.Copy(errWriter{f}, errReader{r})
	if err == nil {
		if serr := f.Sync(); serr != nil {
			err = &CopyError{Op: "write", Err: serr}
		}
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = &CopyError{Op: "write", Err: cerr}
	}
	if err == nil {
		if rerr := fsys.Rename(tmp, dest); rerr != nil {
			err = &CopyError{Op: "write", Err: rerr}
		}
	}

	if err != nil {
		if rmErr := fsys.Remove(tmp); rmErr != nil {
			slog.Warn("failed to remove partial file", slog.String("path", tmp), slog.Any("err", rmErr))
		}
		return n, err
	}

	slog.Debug("file written", slog.String("path", dest), slog.String("size", humanize.Bytes(uint64(n))))
	return n, nil
}

// MD5 returns the hex encoded md5 digest of the file at path.
func MD5(fsys FileSystem, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SameContent reports whether the file at path has exactly the given size and
// md5 digest. An empty hash never matches.
func SameContent(fsys FileSystem, path string, size int64, hash string) bool {
	if hash == "" || size <= 0 || Length(fsys, path) != size {
		return false
	}

	local, err := MD5(fsys, path)
	if err != nil {
		return false
	}
	return strings.EqualFold(local, hash)
}
