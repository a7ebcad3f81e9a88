package infra

import (
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"github.com/tabwarden/tabwarden/internal/domain"
)

// DesktopNotifier shows OS toast notifications via the platform's
// notification command. Delivery is best effort; a missing binary is
// logged once and further calls become no-ops.
type DesktopNotifier struct {
	logger   *zap.Logger
	disabled bool
}

var _ domain.Notifier = (*DesktopNotifier)(nil)

// NewDesktopNotifier creates a notifier for the current platform.
func NewDesktopNotifier(logger *zap.Logger) *DesktopNotifier {
	return &DesktopNotifier{logger: logger}
}

// Notify shows a toast with the given title and message.
func (n *DesktopNotifier) Notify(title, message string) error {
	if n.disabled {
		return nil
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		cmd = exec.Command("osascript", "-e", script)
	case "linux":
		cmd = exec.Command("notify-send", title, message)
	default:
		n.disabled = true
		return nil
	}

	if err := cmd.Run(); err != nil {
		if _, lookErr := exec.LookPath(cmd.Path); lookErr != nil {
			n.logger.Warn("notification command not available, disabling toasts",
				zap.String("command", cmd.Path))
			n.disabled = true
			return nil
		}
		return fmt.Errorf("notification failed: %w", err)
	}
	return nil
}
