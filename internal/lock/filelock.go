// Package lock implements FileLock (§4.1): a cooperative advisory lock on
// a sentinel file, with stale-owner recovery and scoped release. The
// injectable now/sleep functions follow the teacher's ratelimit.go idiom
// (newInMemoryRateLimiter(..., now func() time.Time)) so tests can drive
// time deterministically instead of sleeping in wall-clock time.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pairflow/pairflow/internal/corelog"
	"github.com/pairflow/pairflow/internal/corerr"
)

const (
	DefaultPollInterval  = 25 * time.Millisecond
	DefaultTimeout       = 5 * time.Second
	DefaultStaleAfter    = 2 * time.Second
)

// ownerInfo is the JSON body of a held lock file.
type ownerInfo struct {
	Version    int       `json:"version"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ProcessProbe reports whether pid names a live OS process. Split out as
// an interface so tests can simulate "stale" owners without spawning and
// killing real processes.
type ProcessProbe interface {
	Alive(pid int) (bool, error)
}

// Options configures one Acquire call.
type Options struct {
	TimeoutMs      int64
	StaleAfterMs   int64
	PollInterval   time.Duration
	EnsureParentDir bool
	Now            func() time.Time
	Sleep          func(time.Duration)
	Probe          ProcessProbe
	Logger         corelog.Logger
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.TimeoutMs == 0 {
		out.TimeoutMs = DefaultTimeout.Milliseconds()
	}
	if out.StaleAfterMs == 0 {
		out.StaleAfterMs = DefaultStaleAfter.Milliseconds()
	}
	if out.PollInterval == 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Sleep == nil {
		out.Sleep = time.Sleep
	}
	if out.Probe == nil {
		out.Probe = osProcessProbe{}
	}
	if out.Logger == nil {
		out.Logger = corelog.Nop{}
	}
	return &out
}

// clampWarnOnce records the lock paths whose stale-clamp warning has
// already been logged, per the §9 "best-effort emission deduplication"
// design note.
var (
	clampWarnOnce sync.Map
)

// clampStaleAfter clamps StaleAfterMs to TimeoutMs, logging once per path.
func clampStaleAfter(path string, staleAfterMs, timeoutMs int64, log corelog.Logger) int64 {
	if staleAfterMs <= 0 {
		panic("lock: staleAfterMs must be > 0 (programming error)")
	}
	if staleAfterMs <= timeoutMs {
		return staleAfterMs
	}
	if _, loaded := clampWarnOnce.LoadOrStore(path, true); !loaded {
		log.Warn("stale_after_ms exceeds timeout_ms, clamping", "path", path, "stale_after_ms", staleAfterMs, "timeout_ms", timeoutMs)
	}
	return timeoutMs
}

// Handle represents a held lock; Release must be called exactly once.
type Handle struct {
	path string
}

// Release deletes the lock file, relinquishing ownership.
func (h *Handle) Release() error {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "lock.Release")
	}
	return nil
}

// Acquire attempts to take ownership of the sentinel file at path within
// opts.TimeoutMs, polling at opts.PollInterval and recovering a stale
// owner per §4.1.
func Acquire(path string, opts Options) (*Handle, error) {
	o := opts.withDefaults()
	if o.EnsureParentDir {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, corerr.New(corerr.LockTimeout, "lock.Acquire.mkdir", err)
		}
	}

	staleAfterMs := o.StaleAfterMs
	if staleAfterMs > 0 {
		staleAfterMs = clampStaleAfter(path, staleAfterMs, o.TimeoutMs, o.Logger)
	}

	deadline := o.Now().Add(time.Duration(o.TimeoutMs) * time.Millisecond)
	for {
		ok, err := tryCreate(path, o.Now())
		if err != nil {
			return nil, corerr.New(corerr.LockTimeout, "lock.Acquire", err)
		}
		if ok {
			return &Handle{path: path}, nil
		}

		if staleAfterMs > 0 {
			recovered, err := maybeRecoverStale(path, staleAfterMs, o)
			if err != nil {
				return nil, err
			}
			if recovered {
				continue // retry create immediately
			}
		}

		if !o.Now().Before(deadline) {
			return nil, corerr.New(corerr.LockTimeout, "lock.Acquire",
				fmt.Errorf("timed out after %dms acquiring %s", o.TimeoutMs, path))
		}
		o.Sleep(o.PollInterval)
	}
}

// WithLock acquires the lock, invokes fn exactly once, and releases the
// lock on every exit path (normal return, panic, or error) -- the
// "held-scope" contract of §4.1/§5.
func WithLock(path string, opts Options, fn func() error) error {
	h, err := Acquire(path, opts)
	if err != nil {
		return err
	}
	defer h.Release() //nolint:errcheck // best-effort release on exit path
	return fn()
}

func tryCreate(path string, now time.Time) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	body, _ := json.Marshal(ownerInfo{Version: 1, PID: os.Getpid(), AcquiredAt: now})
	_, werr := f.Write(body)
	return true, werr
}

// maybeRecoverStale removes path if its owner is provably dead, per the
// re-read/re-probe-before-removal race guard of §4.1.
func maybeRecoverStale(path string, staleAfterMs int64, o *Options) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil // someone else already released it
		}
		return false, corerr.New(corerr.LockTimeout, "lock.stat", err)
	}
	if o.Now().Sub(info.ModTime()) < time.Duration(staleAfterMs)*time.Millisecond {
		return false, nil
	}

	owner, err := readOwner(path)
	if err != nil {
		return false, corerr.New(corerr.LockTimeout, "lock.readOwner", err)
	}
	stale, err := ownerLooksStale(owner, o.Probe)
	if err != nil {
		// Probe I/O errors surface immediately -- never treated as "probably
		// stale" (§4.1).
		return false, corerr.New(corerr.LockTimeout, "lock.probe", err)
	}
	if !stale {
		return false, nil
	}

	// Re-read and re-probe immediately before removal to avoid racing a
	// freshly written owner (§4.1 race guard).
	info2, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, corerr.New(corerr.LockTimeout, "lock.stat2", err)
	}
	if !info2.ModTime().Equal(info.ModTime()) {
		return false, nil // file was rewritten since our first read; don't touch it
	}
	owner2, err := readOwner(path)
	if err != nil {
		return false, corerr.New(corerr.LockTimeout, "lock.readOwner2", err)
	}
	stale2, err := ownerLooksStale(owner2, o.Probe)
	if err != nil {
		return false, corerr.New(corerr.LockTimeout, "lock.probe2", err)
	}
	if !stale2 {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, corerr.New(corerr.LockTimeout, "lock.removeStale", err)
	}
	o.Logger.Warn("removed stale lock", "path", path, "owner_pid", owner2.PID)
	return true, nil
}

// readOwner reads and parses the lock file body. An empty file yields a
// zero-value ownerInfo (no pid recorded), which is treated as stale.
func readOwner(path string) (ownerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ownerInfo{}, nil
		}
		return ownerInfo{}, err
	}
	if len(data) == 0 {
		return ownerInfo{}, nil
	}
	var info ownerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// A malformed body is not a stale signal we can trust blindly; but
		// permission/IO errors must surface, and a parse error here is
		// neither -- treat as "no pid recorded" so the eligibility check
		// falls through to "pid absent" below.
		return ownerInfo{}, nil
	}
	return info, nil
}

// ownerLooksStale implements the eligibility rule of §4.1: pid absent,
// not a positive integer, or probing says the process is gone. A non-nil
// error here must propagate to the caller unchanged (§4.1: "permission or
// stale-probe I/O errors surface immediately").
func ownerLooksStale(info ownerInfo, probe ProcessProbe) (bool, error) {
	if info.PID <= 0 {
		return true, nil
	}
	alive, err := probe.Alive(info.PID)
	if err != nil {
		return false, err
	}
	return !alive, nil
}
