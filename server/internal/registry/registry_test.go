package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownBatchIsCanceled(t *testing.T) {
	r := New()
	assert.True(t, r.IsCanceled("nope"))
	assert.False(t, r.Cancel("nope"))
}

func TestRegisterCancelUnregister(t *testing.T) {
	r := New()

	require.True(t, r.Register("b1"))
	assert.False(t, r.Register("b1"), "second register must not replace the token")
	assert.False(t, r.IsCanceled("b1"))

	assert.True(t, r.Cancel("b1"))
	assert.False(t, r.Cancel("b1"), "cancel is idempotent")
	assert.True(t, r.IsCanceled("b1"))

	// re-registering an active batch keeps it canceled
	r.Register("b1")
	assert.True(t, r.IsCanceled("b1"))

	r.Unregister("b1")
	assert.False(t, r.IsActive("b1"))
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentCancelFlipsOnce(t *testing.T) {
	r := New()
	r.Register("b1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flipped int
	)

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Cancel("b1") {
				mu.Lock()
				flipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, flipped)
}

func TestActive(t *testing.T) {
	r := New()
	r.Register("a")
	r.Register("b")

	assert.ElementsMatch(t, []string{"a", "b"}, r.Active())
}
