package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned when another process holds the state lock.
var ErrLocked = errors.New("state is locked by another process")

// LockInfo identifies the holder of a state lock.
type LockInfo struct {
	ID      string    `json:"id"`
	Who     string    `json:"who"`
	Host    string    `json:"host"`
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
}

func newLockInfo() LockInfo {
	host, _ := os.Hostname()
	who := "unknown"
	if u, err := user.Current(); err == nil {
		who = u.Username
	}
	return LockInfo{
		ID:      uuid.NewString(),
		Who:     who,
		Host:    host,
		PID:     os.Getpid(),
		Created: time.Now().UTC().Truncate(time.Second),
	}
}

func (i LockInfo) String() string {
	return fmt.Sprintf("%s@%s pid %d since %s (id %s)", i.Who, i.Host, i.PID, i.Created.Format(time.RFC3339), i.ID)
}

// LockError reports who holds the lock. It matches ErrLocked.
type LockError struct {
	Holder *LockInfo
	Hint   string
}

func (e *LockError) Error() string {
	msg := ErrLocked.Error()
	if e.Holder != nil {
		msg += ": held by " + e.Holder.String()
	}
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

// abandoned reports whether the lock was taken on this host by a process
// that no longer exists.
func (i LockInfo) abandoned() bool {
	host, _ := os.Hostname()
	if i.Host != host || i.PID <= 0 || i.PID == os.Getpid() {
		return false
	}
	p, err := os.FindProcess(i.PID)
	if err != nil {
		return true
	}
	return errors.Is(p.Signal(syscall.Signal(0)), os.ErrProcessDone)
}

// Lock creates the lock file next to the state. A lock left behind by a
// dead process on this host is taken over.
func (m *Manager) Lock(ctx context.Context) error {
	path := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	info := newLockInfo()
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(append(data, '\n'))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return fmt.Errorf("failed to write lock file: %w", werr)
			}
			m.lockID = info.ID
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		holder := m.holder()
		if attempt == 0 && holder != nil && holder.abandoned() {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to break abandoned lock: %w", err)
			}
			continue
		}
		return &LockError{Holder: holder, Hint: "Run 'lampstack state unlock' if no other run is active"}
	}
}

// Unlock releases a lock this Manager holds. A lock taken by someone else
// is left alone.
func (m *Manager) Unlock(ctx context.Context) error {
	if h := m.holder(); h != nil && h.ID != m.lockID {
		return &LockError{Holder: h}
	}
	return m.ForceUnlock(ctx)
}

// ForceUnlock removes the lock whoever holds it.
func (m *Manager) ForceUnlock(ctx context.Context) error {
	if err := os.Remove(m.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	m.lockID = ""
	return nil
}

func (m *Manager) holder() *LockInfo {
	data, err := os.ReadFile(m.lockPath())
	if err != nil {
		return nil
	}
	var info LockInfo
	if json.Unmarshal(data, &info) != nil {
		return nil
	}
	return &info
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}
