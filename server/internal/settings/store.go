package settings

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/pathresolver"
	bolt "go.etcd.io/bbolt"
)

var (
	settingsBucket = []byte("settings")
	batchBucket    = []byte("batch_options")
	defaultsKey    = []byte("defaults")
)

var ErrNotFound = errors.New("options not found")

// Store keeps the saved default Options and the Options snapshot every batch
// was queued with, so that retries run with the same layout.
type Store struct {
	db       *bolt.DB
	fallback internal.Options
}

func NewStore(db *bolt.DB, fallback internal.Options) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{settingsBucket, batchBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db, fallback: fallback}, nil
}

// Defaults returns the saved options, or the configured ones when nothing
// was saved yet.
func (s *Store) Defaults() (internal.Options, error) {
	opts, err := s.get(settingsBucket, defaultsKey)
	if errors.Is(err, ErrNotFound) {
		return s.fallback, nil
	}
	return opts, err
}

func (s *Store) SaveDefaults(opts internal.Options) error {
	if err := Validate(opts); err != nil {
		return err
	}
	return s.put(settingsBucket, defaultsKey, opts)
}

func (s *Store) BatchOptions(batchID string) (internal.Options, error) {
	return s.get(batchBucket, []byte(batchID))
}

func (s *Store) SaveBatchOptions(batchID string, opts internal.Options) error {
	return s.put(batchBucket, []byte(batchID), opts)
}

func (s *Store) DeleteBatchOptions(batchID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(batchBucket).Delete([]byte(batchID))
	})
}

// Batches lists every batch with a stored options snapshot.
func (s *Store) Batches() ([]string, error) {
	var ids []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(batchBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (s *Store) get(bucket, key []byte) (internal.Options, error) {
	var opts internal.Options

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return json.Unmarshal(v, &opts)
	})

	return opts, err
}

func (s *Store) put(bucket, key []byte, opts internal.Options) error {
	data, err := json.Marshal(opts)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func Validate(opts internal.Options) error {
	if opts.RootDirectory == "" {
		return pathresolver.ErrNoRootDirectory
	}
	return pathresolver.ValidateSubPath(opts.ExtraSubPath)
}
