package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairflow/pairflow/internal/corelog"
)

// fakeProbe reports liveness from a fixed map, avoiding any dependency on
// real OS process lifetimes in tests.
type fakeProbe struct {
	alive map[int]bool
	err   error
}

func (f fakeProbe) Alive(pid int) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.alive[pid], nil
}

// fakeClock lets tests advance time deterministically instead of sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.lock")

	h, err := Acquire(path, Options{})
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, h.Release())
	assert.NoFileExists(t, path)
}

func TestAcquireContentionTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.lock")

	h, err := Acquire(path, Options{})
	require.NoError(t, err)
	defer h.Release()

	clock := &fakeClock{now: time.Now()}
	_, err = Acquire(path, Options{
		TimeoutMs:    100,
		PollInterval: 10 * time.Millisecond,
		Now:          clock.Now,
		Sleep:        clock.Sleep,
		Probe:        fakeProbe{alive: map[int]bool{os.Getpid(): true}},
	})
	require.Error(t, err)
}

func TestStaleLockRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.lock")

	// Simulate a lock held by a pid that is not alive, written "long ago".
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"pid":999999,"acquired_at":"2026-01-01T00:00:00Z"}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	h, err := Acquire(path, Options{
		TimeoutMs:    1000,
		StaleAfterMs: 10,
		PollInterval: 5 * time.Millisecond,
		Probe:        fakeProbe{alive: map[int]bool{999999: false}},
	})
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestLiveOwnerNeverRecovered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.lock")

	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"pid":42,"acquired_at":"2026-01-01T00:00:00Z"}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	clock := &fakeClock{now: time.Now()}
	_, err := Acquire(path, Options{
		TimeoutMs:    50,
		StaleAfterMs: 10,
		PollInterval: 5 * time.Millisecond,
		Now:          clock.Now,
		Sleep:        clock.Sleep,
		Probe:        fakeProbe{alive: map[int]bool{42: true}},
	})
	require.Error(t, err)
}

func TestProbeErrorSurfacesImmediately(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.lock")

	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"pid":42,"acquired_at":"2026-01-01T00:00:00Z"}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	_, err := Acquire(path, Options{
		TimeoutMs:    1000,
		StaleAfterMs: 10,
		PollInterval: 5 * time.Millisecond,
		Probe:        fakeProbe{err: os.ErrPermission},
	})
	require.Error(t, err)
}

func TestStaleAfterExceedsTimeoutIsClamped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clamp.lock")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	h, err := Acquire(path, Options{
		TimeoutMs:    50,
		StaleAfterMs: 10000, // exceeds timeout, must clamp rather than error
		PollInterval: 5 * time.Millisecond,
		Probe:        fakeProbe{alive: map[int]bool{}},
	})
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestZeroStaleAfterPanics(t *testing.T) {
	assert.Panics(t, func() {
		clampStaleAfter("/tmp/whatever.lock", 0, 1000, corelog.Nop{})
	})
}

func TestWithLockReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.lock")

	err := WithLock(path, Options{}, func() error {
		return assert.AnError
	})
	require.Error(t, err)
	assert.NoFileExists(t, path)
}
