package settings

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/pathresolver"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "settings.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, internal.Options{RootDirectory: "/srv/images", AppendSiteName: true})
	require.NoError(t, err)
	return s
}

func TestDefaultsFallback(t *testing.T) {
	s := newStore(t)

	opts, err := s.Defaults()
	require.NoError(t, err)
	assert.Equal(t, "/srv/images", opts.RootDirectory)
	assert.True(t, opts.AppendSiteName)

	saved := internal.Options{
		RootDirectory:           "/data",
		AppendBoardCode:         true,
		ExtraSubPath:            `wallpapers\hd`,
		NamingPolicy:            internal.KeepOriginalName,
		DefaultResolutionPolicy: internal.ResolutionSkip,
	}
	require.NoError(t, s.SaveDefaults(saved))

	opts, err = s.Defaults()
	require.NoError(t, err)
	assert.Equal(t, saved, opts)
}

func TestSaveDefaultsValidates(t *testing.T) {
	s := newStore(t)

	err := s.SaveDefaults(internal.Options{})
	assert.ErrorIs(t, err, pathresolver.ErrNoRootDirectory)

	err = s.SaveDefaults(internal.Options{RootDirectory: "/data", ExtraSubPath: "../etc"})
	assert.ErrorIs(t, err, pathresolver.ErrInvalidSubPath)
}

func TestBatchOptions(t *testing.T) {
	s := newStore(t)

	_, err := s.BatchOptions("b1")
	assert.ErrorIs(t, err, ErrNotFound)

	opts := internal.Options{RootDirectory: "/data", AppendThreadID: true}
	require.NoError(t, s.SaveBatchOptions("b1", opts))
	require.NoError(t, s.SaveBatchOptions("b2", opts))

	got, err := s.BatchOptions("b1")
	require.NoError(t, err)
	assert.Equal(t, opts, got)

	ids, err := s.Batches()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1", "b2"}, ids)

	require.NoError(t, s.DeleteBatchOptions("b1"))
	_, err = s.BatchOptions("b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestPartialUpdate(t *testing.T) {
	s := newStore(t)

	r := chi.NewRouter()
	r.Route("/settings", NewRestHandler(s).ApplyRouter())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/settings/", strings.NewReader(`{"defaultResolutionPolicy":"save_as_copy"}`))
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	opts, err := s.Defaults()
	require.NoError(t, err)
	assert.Equal(t, "/srv/images", opts.RootDirectory)
	assert.Equal(t, internal.ResolutionSaveAsCopy, opts.DefaultResolutionPolicy)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/settings/", strings.NewReader(`{"extraSubPath":"a b"}`))
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
