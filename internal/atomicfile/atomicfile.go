// Package atomicfile implements AtomicFileStore (§4.2): whole-file atomic
// replace, tolerant reads, and lock-guarded append. The temp-file-then-
// rename pattern is the same one the teacher's StateWriter analogue in
// the pack (codeagent-wrapper's wrapper/state.go) and the journal-style
// writers in the pack use for crash-safe persistence.
package atomicfile

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pairflow/pairflow/internal/corerr"
	"github.com/pairflow/pairflow/internal/lock"
)

// ReadResult distinguishes "missing" from "empty" explicitly, rather than
// overloading a nil/empty byte slice.
type ReadResult struct {
	Missing bool
	Data    []byte
}

// Read returns the file's contents, or Missing=true if it does not exist.
func Read(path string) (ReadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ReadResult{Missing: true}, nil
		}
		return ReadResult{}, corerr.New(corerr.ExternalFailure, "atomicfile.Read", err)
	}
	return ReadResult{Data: data}, nil
}

func randomSuffix() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Replace atomically overwrites path with data: write to a sibling temp
// file, then rename over the destination. The temp file is removed on
// any failure path (§4.2).
func Replace(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return corerr.New(corerr.ExternalFailure, "atomicfile.Replace.mkdir", err)
	}
	suffix, err := randomSuffix()
	if err != nil {
		return corerr.New(corerr.ExternalFailure, "atomicfile.Replace.suffix", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), suffix))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return corerr.New(corerr.ExternalFailure, "atomicfile.Replace.create", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, werr := f.Write(data); werr != nil {
		f.Close()
		return corerr.New(corerr.ExternalFailure, "atomicfile.Replace.write", werr)
	}
	if serr := f.Sync(); serr != nil {
		f.Close()
		return corerr.New(corerr.ExternalFailure, "atomicfile.Replace.sync", serr)
	}
	if cerr := f.Close(); cerr != nil {
		return corerr.New(corerr.ExternalFailure, "atomicfile.Replace.close", cerr)
	}
	if rerr := os.Rename(tmp, path); rerr != nil {
		return corerr.New(corerr.ExternalFailure, "atomicfile.Replace.rename", rerr)
	}
	return nil
}

// AppendWithLock appends lines (already serialized, without trailing
// newlines) to path under the lock at lockPath, creating parent
// directories as needed (§4.2).
func AppendWithLock(path, lockPath string, lockOpts lock.Options, lines [][]byte) error {
	lockOpts.EnsureParentDir = true
	return lock.WithLock(lockPath, lockOpts, func() error {
		return AppendUnlocked(path, lines)
	})
}

// AppendUnlocked is AppendWithLock without acquiring any lock, for callers
// (internal/transcript) that already hold the per-bubble lock covering
// this file and would self-deadlock trying to re-acquire a lock of their
// own around it.
func AppendUnlocked(path string, lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return corerr.New(corerr.ExternalFailure, "atomicfile.Append.mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return corerr.New(corerr.ExternalFailure, "atomicfile.Append.open", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			return corerr.New(corerr.ExternalFailure, "atomicfile.Append.write", err)
		}
		if _, err := f.Write([]byte("\n")); err != nil {
			return corerr.New(corerr.ExternalFailure, "atomicfile.Append.write", err)
		}
	}
	return f.Sync()
}
