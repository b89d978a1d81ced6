// Package instancelock guarantees that at most one supervisor or daemon
// process writes a given state-file path at a time.
package instancelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/ocelotmarkets/botsup/internal/atomicfile"
)

// Busy is returned by Acquire when another live holder owns the lock.
type Busy struct {
	HolderPID int
}

func (b *Busy) Error() string {
	return fmt.Sprintf("instancelock: busy, held by pid %d", b.HolderPID)
}

// ErrNotHeld is returned by Release when the caller never held the lock
// (or the lock record does not name the calling process).
var ErrNotHeld = errors.New("instancelock: lock not held by this process")

const acquireTimeout = 200 * time.Millisecond

// record is the on-disk lock-file content: holder pid, acquisition time,
// and a diagnostic tag.
type record struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	Tag        string    `json:"tag"`
}

// Lock represents a held instance lock. Release must be called to give it
// up; an unreleased Lock held by a dead process is reclaimed by the next
// Acquire on the same path.
type Lock struct {
	path string
	fl   *flock.Flock
	pid  int
}

// Acquire claims lockPath for the current process. It succeeds when the
// lock file does not exist, or exists but its recorded holder is not a
// live process. holderTag is stored only for diagnostics.
//
// An OS-native advisory lock is held for the lifetime of the claim so two
// processes racing to create the same lock file cannot both succeed even
// if they observe the file as absent at the same instant.
func Acquire(lockPath, holderTag string) (*Lock, error) {
	fl := flock.New(lockPath + ".flock")

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("instancelock: acquire OS lock: %w", err)
	}
	if !locked {
		// Someone else holds the OS lock right now; read the record they
		// (or a predecessor) left behind to report who.
		if rec, rerr := readRecord(lockPath); rerr == nil && isLive(rec.PID) {
			return nil, &Busy{HolderPID: rec.PID}
		}
		return nil, &Busy{HolderPID: 0}
	}

	rec, err := readRecord(lockPath)
	if err == nil && isLive(rec.PID) && rec.PID != os.Getpid() {
		_ = fl.Unlock()
		return nil, &Busy{HolderPID: rec.PID}
	}

	newRec := record{PID: os.Getpid(), AcquiredAt: time.Now().UTC(), Tag: holderTag}
	if err := atomicfile.WriteJSON(lockPath, newRec, false); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("instancelock: write lock record: %w", err)
	}

	return &Lock{path: lockPath, fl: fl, pid: os.Getpid()}, nil
}

// Release removes the lock file if its recorded holder matches this
// process, then releases the OS advisory lock. A mismatched or missing
// record is left alone, defending against double-release, and Release
// returns ErrNotHeld.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	rec, err := readRecord(l.path)
	held := err == nil && rec.PID == l.pid
	if held {
		_ = os.Remove(l.path)
	}
	if l.fl != nil {
		if err := l.fl.Unlock(); err != nil {
			return fmt.Errorf("instancelock: release OS lock: %w", err)
		}
	}
	if !held {
		return ErrNotHeld
	}
	return nil
}

func readRecord(lockPath string) (record, error) {
	var rec record
	data, err := atomicfile.Read(lockPath)
	if err != nil {
		return rec, err
	}
	if jerr := json.Unmarshal(data, &rec); jerr != nil {
		// Empty or malformed content: holder is unknown, treat as reclaimable.
		return record{}, errors.New("instancelock: malformed lock record")
	}
	return rec, nil
}

// isLive reports whether pid identifies a running process, without any
// network calls. gopsutil gives one answer that holds on Windows, where
// kill(pid, 0) has no signal semantics.
func isLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return ok
}
