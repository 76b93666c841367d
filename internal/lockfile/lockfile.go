// Package lockfile guards a mirror pair against being driven by two
// daemon processes at once. Each mirror acquires a JSON lock file named
// after its stable identifier in the library directory; a background
// heartbeat keeps the lock fresh, and a lock whose heartbeat has stopped
// (crashed process, pulled plug) is taken over instead of blocking the
// pair forever.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wjongkind/cowmirror/internal/mlog"
)

// Vars so tests can shrink the timings.
var (
	heartbeatInterval = 30 * time.Second
	staleAfter        = 3 * heartbeatInterval
)

// content is what a held lock looks like on disk.
type content struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"`
}

// ErrHeld is returned by Acquire when another live process holds the lock.
type ErrHeld struct {
	PID      int64
	Hostname string
	Age      time.Duration
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("lock held by PID %d on %q, last updated %s ago", e.PID, e.Hostname, e.Age.Truncate(time.Second))
}

var errLostRace = errors.New("lockfile: lost takeover race")

// Lock is a held lock file. Release it when the mirror shuts down.
type Lock struct {
	path    string
	content content

	heartbeatCtx context.Context
	cancel       context.CancelFunc

	mu   sync.Mutex
	held bool
}

// Acquire takes the lock file dir/name.lock, creating dir if needed. It
// returns *ErrHeld if another live process owns the lock; a stale lock
// (no heartbeat for longer than three intervals) is taken over.
func Acquire(ctx context.Context, dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: creating lock directory: %w", err)
	}
	path := filepath.Join(dir, name+".lock")

	// A takeover race with another starting process resolves within one
	// retry; more than a few attempts means real contention.
	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l, err := tryCreate(path)
		if err == nil {
			go l.heartbeat()
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lockfile: %w", err)
		}

		existing, readErr := readContent(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				// Holder released between our create and read; retry.
				continue
			}
			mlog.Warn("unreadable lock file, treating as stale", "path", path, "error", readErr)
		} else if age := time.Since(existing.LastUpdate); age < staleAfter {
			return nil, &ErrHeld{PID: existing.PID, Hostname: existing.Hostname, Age: age}
		} else {
			mlog.Warn("taking over stale lock", "path", path, "pid", existing.PID, "age", age)
		}

		l, err = takeOver(path)
		if err != nil {
			if !errors.Is(err, errLostRace) {
				mlog.Warn("lock takeover failed, retrying", "path", path, "error", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go l.heartbeat()
		return l, nil
	}

	return nil, fmt.Errorf("lockfile: could not acquire %s after repeated contention", path)
}

// tryCreate attempts the simple path: exclusive creation of a fresh lock.
func tryCreate(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	c, err := newContent()
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return newLock(path, c), nil
}

// takeOver replaces a stale or corrupt lock via write-temp-and-rename,
// then reads the file back: whichever contender's nonce survived the
// rename storm owns the lock.
func takeOver(path string) (*Lock, error) {
	c, err := newContent()
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, c); err != nil {
		return nil, err
	}

	onDisk, err := readContent(path)
	if err != nil {
		return nil, fmt.Errorf("reading lock back after takeover: %w", err)
	}
	if onDisk.PID != c.PID || onDisk.Nonce != c.Nonce {
		return nil, errLostRace
	}
	return newLock(path, c), nil
}

func newContent() (content, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return content{}, err
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return content{}, err
	}
	return content{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      fmt.Sprintf("%x", nonce),
	}, nil
}

func newLock(path string, c content) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{path: path, content: c, heartbeatCtx: ctx, cancel: cancel, held: true}
}

// Release stops the heartbeat and removes the lock file. Safe to call
// more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.cancel()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		mlog.Warn("removing lock file failed", "path", l.path, "error", err)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.heartbeatCtx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := writeAtomic(l.path, l.content); err != nil {
				mlog.Warn("lock heartbeat failed", "path", l.path, "error", err)
			}
		}
	}
}

// writeAtomic writes c to a sibling temp file and renames it into place,
// so a reader never observes a truncated lock.
func writeAtomic(path string, c content) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	data, err := json.MarshalIndent(c, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readContent(path string) (content, error) {
	// The atomic-rename write path means a transiently empty or partial
	// file should resolve within a couple of retries.
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return content{}, err
		}
		var c content
		if lastErr = json.Unmarshal(data, &c); lastErr == nil {
			return c, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return content{}, fmt.Errorf("corrupt lock file: %w", lastErr)
}
