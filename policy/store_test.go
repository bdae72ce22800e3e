package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s := NewStore(nil)
	require.NotNil(t, s.Get())
	assert.Empty(t, s.Get().Routes.Routes())

	next := parseTestConfig(t)
	prev := s.Swap(next)
	assert.NotNil(t, prev)
	assert.Same(t, next, s.Get())

	var zero Store
	assert.NotNil(t, zero.Get())
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func TestWatcherPoll(t *testing.T) {
	name := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, name, testConfig)

	initial, err := LoadFile(name)
	require.NoError(t, err)

	store := NewStore(initial)
	w := newWatcher(store, name, time.Hour)

	// unchanged content
	assert.False(t, w.poll())
	assert.Same(t, initial, store.Get())

	// invalid content keeps the last good snapshot
	writeFile(t, name, "rate-limit: [")
	assert.False(t, w.poll())
	assert.Same(t, initial, store.Get())

	// missing file keeps the last good snapshot
	require.NoError(t, os.Remove(name))
	assert.False(t, w.poll())
	assert.Same(t, initial, store.Get())

	writeFile(t, name, `
whitelist:
  services:
  - id: orders
    urls: [/orders/public]
`)
	assert.True(t, w.poll())
	assert.NotSame(t, initial, store.Get())
	assert.True(t, store.Get().Whitelist("orders").Bypass("/orders/public"))
	assert.Nil(t, store.Get().Whitelist("billing"))
}

func TestWatch(t *testing.T) {
	name := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, name, "")

	store := NewStore(nil)
	w := Watch(store, name, 10*time.Millisecond)
	defer w.Close()

	writeFile(t, name, testConfig)
	assert.Eventually(t, func() bool {
		return store.Get().Whitelist("billing") != nil
	}, time.Second, 10*time.Millisecond)

	w.Close()
	// closing twice is fine
	w.Close()
}
