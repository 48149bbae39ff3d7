// Package lock provides the daemon single-instance file lock and keyed
// mutexes for serializing state-file writes.
package lock

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key, created on first use. The stats
// store keys by relative file path, so writers of the same state file
// serialize without blocking writers of other files.
type MutexMap struct {
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{keys: make(map[string]*sync.Mutex)}
}

func (m *MutexMap) Lock(key string)   { m.at(key).Lock() }
func (m *MutexMap) Unlock(key string) { m.at(key).Unlock() }

func (m *MutexMap) at(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.keys[key]
	if l == nil {
		l = new(sync.Mutex)
		m.keys[key] = l
	}
	return l
}

// FileLock is the single-instance guard: an exclusive flock on the lock
// file with the holder's pid written inside. flock releases on process
// death, so a crashed daemon never wedges the next start. The pid text is
// advisory; `sibyl status` reads it when the daemon does not answer.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking. Failure means another process
// holds it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another sibyl daemon may be running): %w", err)
	}
	if err := stampPID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}
	fl.file = f
	return nil
}

// stampPID replaces the file's contents with the caller's pid. The flock is
// already held, so a reader sees the previous pid or the new one, never a
// torn write.
func stampPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Unlock releases the flock and removes the lock file. Calling it without
// holding the lock is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(fl.path)
	return nil
}

// ReadPID returns the pid recorded in a lock file.
func ReadPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("lock file does not contain a pid: %w", err)
	}
	return pid, nil
}
