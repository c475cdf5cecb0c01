package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotableLogger is an io.Writer over a log file. Rotate compresses the
// current file next to it and starts a new one.
type RotableLogger struct {
	path string
	fd   *os.File
	mu   sync.Mutex
	now  func() time.Time
}

func NewRotableLogger(path string) (*RotableLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	fd, err := openLog(path)
	if err != nil {
		return nil, err
	}

	return &RotableLogger{path: path, fd: fd, now: time.Now}, nil
}

func openLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func (l *RotableLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd.Write(p)
}

func (l *RotableLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fd.Close(); err != nil {
		return err
	}

	archive := fmt.Sprintf("%s.%s.gz", l.path, l.now().Format("2006-01-02T15-04-05"))
	if err := compress(l.path, archive); err != nil {
		// keep logging to the old file rather than losing lines
		fd, openErr := openLog(l.path)
		if openErr == nil {
			l.fd = fd
		}
		return err
	}

	fd, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	l.fd = fd
	return nil
}

func (l *RotableLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fd.Close()
}

func compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		return err
	}
	return zw.Close()
}
