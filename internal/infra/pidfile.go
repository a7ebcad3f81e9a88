package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tabwarden/tabwarden/internal/domain"
)

// PidFile records the running daemon's PID so a second instance (or
// the CLI) can detect it.
type PidFile struct {
	path           string
	processManager domain.ProcessManager
}

// NewPidFile creates a pidfile handle at the given path.
func NewPidFile(path string, pm domain.ProcessManager) *PidFile {
	return &PidFile{path: path, processManager: pm}
}

// Acquire writes the current PID. It fails if another live daemon
// holds the file; a stale entry from a dead process is replaced.
func (p *PidFile) Acquire() error {
	if pid, ok := p.read(); ok {
		if pid != p.processManager.GetCurrentPID() && p.processManager.IsRunning(pid) {
			return fmt.Errorf("daemon already running with pid %d", pid)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	pid := p.processManager.GetCurrentPID()
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Release removes the pidfile if it still belongs to this process.
func (p *PidFile) Release() {
	if pid, ok := p.read(); ok && pid == p.processManager.GetCurrentPID() {
		os.Remove(p.path)
	}
}

// RunningPID returns the PID of a live daemon, if any.
func (p *PidFile) RunningPID() (int, bool) {
	pid, ok := p.read()
	if !ok || !p.processManager.IsRunning(pid) {
		return 0, false
	}
	return pid, true
}

func (p *PidFile) read() (int, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
