package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/fsutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

type Config struct {
	CacheDir          string
	Timeout           time.Duration
	MaxRetries        int
	Backoff           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	CacheEntries      int
}

// Non 2xx response from the image host.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Fetcher downloads remote images through an on-disk cache. Cached files
// are tracked by an LRU index, evicted entries are removed from disk.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	index    *lru.Cache[string, string]
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 512
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "boardsaver-cache")
	}

	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	index, err := lru.NewWithEvict(cfg.CacheEntries, func(_ string, path string) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to evict cache file", slog.String("path", path), slog.Any("err", err))
		}
	})
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		index:    index,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Fetch returns the image bytes, from the cache when possible.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if path, ok := f.cached(rawURL); ok {
		if fd, err := os.Open(path); err == nil {
			return fd, nil
		}
		f.index.Remove(rawURL)
	}

	path := f.cachePath(rawURL)

	err := f.withRetries(ctx, rawURL, func() error {
		return f.download(ctx, rawURL, path)
	})
	if err != nil {
		return nil, err
	}

	f.index.Add(rawURL, path)
	return os.Open(path)
}

// Exists tells whether the image is still available, either cached or on
// the remote host.
func (f *Fetcher) Exists(ctx context.Context, rawURL string) (bool, error) {
	if _, ok := f.cached(rawURL); ok {
		return true, nil
	}

	var exists bool
	err := f.withRetries(ctx, rawURL, func() error {
		resp, err := f.do(ctx, http.MethodHead, rawURL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		exists = true
		return nil
	})
	if errors.Is(err, internal.ErrNotFound) {
		return false, nil
	}
	return exists, err
}

func (f *Fetcher) download(ctx context.Context, rawURL, path string) error {
	resp, err := f.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := fsutil.WriteFile(fsutil.OS{}, path, resp.Body); err != nil {
		return fmt.Errorf("failed to cache %s: %w", rawURL, err)
	}
	return nil
}

func (f *Fetcher) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	if err := f.limiter(rawURL).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", internal.ErrNotFound, rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	return resp, nil
}

func (f *Fetcher) withRetries(ctx context.Context, rawURL string, fn func() error) error {
	var err error

	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == f.cfg.MaxRetries-1 {
			break
		}

		wait := f.cfg.Backoff << attempt
		slog.Warn("fetch failed, retrying",
			slog.String("url", rawURL),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.Any("err", err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return err
}

func retryable(err error) bool {
	if errors.Is(err, internal.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}

	return !fsutil.IsWriteError(err)
}

func (f *Fetcher) cached(rawURL string) (string, bool) {
	path, ok := f.index.Get(rawURL)
	if !ok {
		// survives restarts: the index is in memory but the files are not
		path = f.cachePath(rawURL)
	}

	if fsutil.Length(fsutil.OS{}, path) <= 0 {
		return "", false
	}

	if !ok {
		f.index.Add(rawURL, path)
	}
	return path, true
}

func (f *Fetcher) cachePath(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cfg.CacheDir, hex.EncodeToString(sum[:]))
}

// limiter returns the per host rate limiter, unlimited when no rate is set.
func (f *Fetcher) limiter(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[host]
	if !ok {
		limit := rate.Inf
		if f.cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(f.cfg.RequestsPerSecond)
		}
		l = rate.NewLimiter(limit, 1)
		f.limiters[host] = l
	}
	return l
}
