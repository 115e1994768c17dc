package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	lockDirName   = ".yt-queue.lock"
	lockOwnerFile = "owner.json"
)

// ErrLocked is returned when another live process holds the data dir.
var ErrLocked = errors.New("data directory is locked")

// DataLock keeps two daemons from sharing a data directory (history
// database, logs).
type DataLock struct {
	lockDir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireDataLock takes the lock, reclaiming it when the recorded owner ran
// on this host and is gone.
func AcquireDataLock(dataDir string) (DataLock, error) {
	target := strings.TrimSpace(dataDir)
	if target == "" {
		return DataLock{}, fmt.Errorf("data directory is required")
	}
	if err := Mkdir(target); err != nil {
		return DataLock{}, err
	}

	lockDir := filepath.Join(target, lockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if !os.IsExist(err) {
			return DataLock{}, fmt.Errorf("acquire data lock for %s: %w", target, err)
		}
		ownerPath := filepath.Join(lockDir, lockOwnerFile)
		var owner lockOwner
		if readErr := ReadJSON(ownerPath, &owner); readErr == nil && owner.PID > 0 {
			if owner.Hostname == hostnameOrUnknown() && !processAlive(owner.PID) {
				_ = os.Remove(ownerPath)
				_ = os.Remove(lockDir)
				return AcquireDataLock(dataDir)
			}
			return DataLock{}, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
				ErrLocked, target, owner.PID, owner.CreatedAt, owner.Hostname)
		}
		return DataLock{}, fmt.Errorf("%w: %s", ErrLocked, target)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, lockOwnerFile), owner); err != nil {
		_ = os.Remove(lockDir)
		return DataLock{}, fmt.Errorf("write data lock owner for %s: %w", target, err)
	}
	return DataLock{lockDir: lockDir}, nil
}

func (l DataLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, lockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release data lock %s: %w", l.lockDir, err)
	}
	return nil
}

// processAlive errs on the side of "alive" when the platform cannot tell.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
