package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/openmined/anysyncd/internal/utils"
)

var ErrAlreadyRunning = errors.New("daemon already running")

// Pidfile is the single-instance guard: an flock-held file holding the
// daemon's pid. The lock dies with the process, so a stale file never
// blocks a restart.
type Pidfile struct {
	path string
	lock *flock.Flock
}

// AcquirePidfile takes the lock and records the current pid.
func AcquirePidfile(path string) (*Pidfile, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("create pidfile dir: %w", err)
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pidfile %q: %w", path, err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("write pidfile %q: %w", path, err)
	}

	return &Pidfile{path: path, lock: lock}, nil
}

// Release drops the lock and removes the file.
func (p *Pidfile) Release() {
	p.lock.Unlock()
	os.Remove(p.path)
}

// ReadPid returns the pid recorded in the pidfile.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %q: %w", path, err)
	}
	return pid, nil
}

// Running reports whether the process recorded in the pidfile is alive.
func Running(path string) (int, bool) {
	pid, err := ReadPid(path)
	if err != nil {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}
