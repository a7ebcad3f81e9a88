package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// SpawnDetached re-executes the current binary as a background daemon,
// detached from the terminal. The child runs the hidden daemon command.
func SpawnDetached(configPath string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(executable, "daemon", "--config", configPath)

	// New session, no controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	return cmd.Start()
}
