package fsutil

import (
	"io"
	"io/fs"
	"os"
)

type File interface {
	io.Writer
	io.Closer
	Sync() error
}

// Minimal file system surface needed to place downloaded images.
type FileSystem interface {
	Stat(path string) (fs.FileInfo, error)
	MkdirAll(path string) error
	Create(path string) (File, error)
	Open(path string) (io.ReadCloser, error)
	Rename(oldPath, newPath string) error
	Remove(path string) error
}

// OS is the FileSystem backed by the host file system.
type OS struct{}

func (OS) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

func (OS) MkdirAll(path string) error { return os.MkdirAll(path, 0755) }

func (OS) Create(path string) (File, error) { return os.Create(path) }

func (OS) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

func (OS) Rename(oldPath, newPath string) error { return os.Rename(oldPath, newPath) }

func (OS) Remove(path string) error { return os.Remove(path) }

// Length returns the size of the file at path, -1 if it does not exist or
// is a directory.
func Length(fsys FileSystem, path string) int64 {
	info, err := fsys.Stat(path)
	if err != nil || info.IsDir() {
		return -1
	}
	return info.Size()
}

func Exists(fsys FileSystem, path string) bool {
	return Length(fsys, path) >= 0
}
