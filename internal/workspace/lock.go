package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a workspace lock times out.
var ErrLockTimeout = errors.New("workspace: lock acquisition timeout")

// Locker serializes writers of a session directory. Each workspace id maps
// to one in-process mutex; every write to <sessionDir>/<W>/ must run under
// it so a persist enqueued before a deletion cannot resurrect files after
// the deletion completes.
type Locker struct {
	mu      sync.Mutex
	locks   map[string]*wsLock
	timeout time.Duration
}

type wsLock struct {
	ch chan struct{}
}

// NewLocker creates a workspace locker. timeout bounds how long Acquire
// waits for a busy lock; zero means 30 seconds.
func NewLocker(timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Locker{locks: make(map[string]*wsLock), timeout: timeout}
}

func (l *Locker) lockFor(workspaceID string) *wsLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[workspaceID]
	if !ok {
		lk = &wsLock{ch: make(chan struct{}, 1)}
		l.locks[workspaceID] = lk
	}
	return lk
}

// Acquire takes the workspace lock, waiting up to the locker timeout.
// The returned release function is idempotent.
func (l *Locker) Acquire(ctx context.Context, workspaceID string) (func(), error) {
	lk := l.lockFor(workspaceID)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: workspace %s", ErrLockTimeout, workspaceID)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-lk.ch })
	}
	return release, nil
}

// WithLock runs fn under the workspace lock.
func (l *Locker) WithLock(ctx context.Context, workspaceID string, fn func() error) error {
	release, err := l.Acquire(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// LockInfo is the advisory payload stored in the on-disk session lockfile.
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is an advisory on-disk lockfile under a session directory. It
// records which muxd process owns the workspace; it does not block other
// processes by itself (single-host deployments rely on the in-process
// Locker), but it makes ownership observable and survives for replay.
type FileLock struct {
	path string

	mu       sync.Mutex
	info     *LockInfo
	released bool
}

// AcquireFileLock writes the lockfile and returns the handle. The session
// directory must exist.
func AcquireFileLock(path string) (*FileLock, error) {
	hostname, _ := os.Hostname()
	info := &LockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing lockfile: %w", err)
	}
	return &FileLock{path: path, info: info}, nil
}

// Read returns the payload recorded at acquisition.
func (f *FileLock) Read() (*LockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil, errors.New("lockfile released")
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	return &info, nil
}

// Release deletes the lockfile. A second Release is a no-op.
func (f *FileLock) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil
	}
	f.released = true
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lockfile: %w", err)
	}
	return nil
}
