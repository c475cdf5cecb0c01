package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Per batch cancellation flag.
type Token struct {
	canceled atomic.Bool
}

func (t *Token) IsCanceled() bool { return t.canceled.Load() }

// In-memory thread-safe registry of the batches currently allowed to run.
// A single lock covers the whole map, entries come and go only when a batch
// starts or stops.
type Registry struct {
	tokens map[string]*Token
	mu     sync.Mutex
}

func New() *Registry {
	return &Registry{
		tokens: make(map[string]*Token),
	}
}

// Register creates a fresh token for the batch. It returns false when the
// batch is already active, in that case the existing token is left untouched.
func (r *Registry) Register(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[batchID]; ok {
		return false
	}

	r.tokens[batchID] = &Token{}
	return true
}

// Cancel flips the batch flag. Calling it more than once is harmless, only
// the call that actually flipped the flag gets true.
func (r *Registry) Cancel(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[batchID]
	if !ok {
		return false
	}

	flipped := t.canceled.CompareAndSwap(false, true)
	if flipped {
		slog.Info("batch canceled", slog.String("batch", batchID))
	}
	return flipped
}

// IsCanceled reports true for unknown batches: a batch without a token
// must never run.
func (r *Registry) IsCanceled(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[batchID]
	if !ok {
		return true
	}
	return t.IsCanceled()
}

func (r *Registry) Unregister(batchID string) {
	r.mu.Lock()
	delete(r.tokens, batchID)
	r.mu.Unlock()
}

func (r *Registry) IsActive(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.tokens[batchID]
	return ok
}

// Active returns the ids of all registered batches.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]string, 0, len(r.tokens))
	for id := range r.tokens {
		active = append(active, id)
	}
	return active
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
