// Package lock provides single-instance enforcement: a per-port advisory
// file lock under the OS temp directory recording which process currently
// serves that port. The lock file holds pid/started_at/port as JSON, is
// held via golang.org/x/sys/unix's flock(2), and is treated as stale
// when the recorded PID is no longer alive.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when another live process holds
// the lock for the requested port.
var ErrAlreadyRunning = errors.New("lock: server already running on this port")

// Info is the JSON payload written into the lock file.
type Info struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Port      int       `json:"port"`
}

// Dir returns the directory lock files live under: $TMPDIR/llmlb.
func Dir() string {
	return filepath.Join(os.TempDir(), "llmlb")
}

// Path returns the lock file path for a given port.
func Path(port int) string {
	return filepath.Join(Dir(), fmt.Sprintf("serve_%d.lock", port))
}

// Lock holds an acquired file lock for the process's lifetime. Release (or
// process exit) frees it.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock for port, failing with ErrAlreadyRunning if a
// live process already holds it. A lock file left behind by a process
// that has since died is treated as stale and silently reclaimed.
func Acquire(port int) (*Lock, error) {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("lock: create lock directory: %w", err)
	}

	path := Path(port)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if existing, readErr := readInfo(path); readErr == nil && existing != nil && isProcessRunning(existing.PID) {
			return nil, fmt.Errorf("%w (pid %d, started %s); to stop it: llmlb-server stop --port %d",
				ErrAlreadyRunning, existing.PID, existing.StartedAt.Format(time.RFC3339), port)
		}
		return nil, fmt.Errorf("%w; to stop it: llmlb-server stop --port %d", ErrAlreadyRunning, port)
	}

	info := Info{PID: os.Getpid(), StartedAt: time.Now(), Port: port}
	if err := writeInfo(f, info); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}

	return &Lock{file: f, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	_ = os.Remove(l.path)
	l.file = nil
	return err
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("lock: truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("lock: seek lock file: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(info); err != nil {
		return fmt.Errorf("lock: write lock info: %w", err)
	}
	return f.Sync()
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("lock: corrupted lock file: %w", err)
	}
	return &info, nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// ErrNotRunning is returned by Stop when no live process holds the lock
// for the requested port.
var ErrNotRunning = errors.New("lock: no running server found for this port")

// Read returns the lock Info recorded for port, or nil when no lock file
// exists.
func Read(port int) (*Info, error) {
	info, err := readInfo(Path(port))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return info, nil
}

// Stop signals SIGTERM to the live process holding the lock for port and
// returns its Info. The process removes its own lock file during graceful
// shutdown; a lock file whose PID is already dead yields ErrNotRunning.
func Stop(port int) (*Info, error) {
	info, err := Read(port)
	if err != nil {
		return nil, err
	}
	if info == nil || !isProcessRunning(info.PID) {
		return nil, ErrNotRunning
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return nil, fmt.Errorf("lock: find process %d: %w", info.PID, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return nil, fmt.Errorf("lock: signal process %d: %w", info.PID, err)
	}
	return info, nil
}

// ListLive scans the lock directory and returns Info for every lock whose
// recorded PID is still alive, sorted by port.
func ListLive() ([]Info, error) {
	entries, err := os.ReadDir(Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: read lock directory: %w", err)
	}

	var live []Info
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "serve_") || !strings.HasSuffix(name, ".lock") {
			continue
		}
		portStr := strings.TrimSuffix(strings.TrimPrefix(name, "serve_"), ".lock")
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		info, err := readInfo(Path(port))
		if err != nil || info == nil {
			continue
		}
		if isProcessRunning(info.PID) {
			live = append(live, *info)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Port < live[j].Port })
	return live, nil
}
