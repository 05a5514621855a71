package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755
)

// gatewayLock is the exclusive flock held by a running `vps-go serve`. The
// locked file carries the gateway's PID and, once bound, its listen address,
// so `vps-go reload` can find and name the process it signals.
type gatewayLock struct {
	path string
	f    *os.File
}

// gatewayInfo is what a gateway lock file says about its owner.
type gatewayInfo struct {
	PID  int
	Addr string
}

// acquireGatewayLock creates path, takes a non-blocking exclusive flock on it
// and writes the current PID. Fails if another gateway holds the lock.
func acquireGatewayLock(path string) (*gatewayLock, error) {
	if path == "" {
		return nil, errors.New("gateway lock path is empty: cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating gateway lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening gateway lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another vps-go serve is already running (could not lock %s)", path)
	}

	l := &gatewayLock{path: path, f: f}
	if err := l.write(""); err != nil {
		f.Close()

		return nil, err
	}

	return l, nil
}

// SetAddr records the address the gateway bound to.
func (l *gatewayLock) SetAddr(addr string) error {
	return l.write(addr)
}

// write replaces the file contents with "PID[ addr]\n" and syncs, so a
// concurrent reader never sees a stale address.
func (l *gatewayLock) write(addr string) error {
	line := strconv.Itoa(os.Getpid())
	if addr != "" {
		line += " " + addr
	}

	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating gateway lock: %w", err)
	}

	if _, err := l.f.WriteAt([]byte(line+"\n"), 0); err != nil {
		return fmt.Errorf("writing gateway lock: %w", err)
	}

	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing gateway lock: %w", err)
	}

	return nil
}

// Release removes the file and drops the lock. Removal happens first so a
// new gateway never locks a file that is about to disappear.
func (l *gatewayLock) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// readGatewayLock parses a lock file written by acquireGatewayLock.
func readGatewayLock(path string) (gatewayInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gatewayInfo{}, fmt.Errorf("reading gateway lock: %w", err)
	}

	pidText, addr, _ := strings.Cut(strings.TrimSpace(string(data)), " ")

	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return gatewayInfo{}, fmt.Errorf("invalid PID in %s: %q", path, pidText)
	}

	return gatewayInfo{PID: pid, Addr: strings.TrimSpace(addr)}, nil
}

// signalGateway sends sig to the gateway named in the lock file at path. A
// lock whose process is gone is removed.
func signalGateway(path string, sig syscall.Signal) (gatewayInfo, error) {
	info, err := readGatewayLock(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return gatewayInfo{}, fmt.Errorf("no running gateway found (no lock file at %s)", path)
		}

		return gatewayInfo{}, err
	}

	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return info, fmt.Errorf("finding process %d: %w", info.PID, err)
	}

	// Signal 0 probes liveness without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)

		return info, fmt.Errorf("gateway (PID %d) is not running (stale lock file removed)", info.PID)
	}

	if err := proc.Signal(sig); err != nil {
		return info, fmt.Errorf("sending %s to gateway (PID %d): %w", sig, info.PID, err)
	}

	return info, nil
}
