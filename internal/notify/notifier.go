package notify

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier delivers a short user-facing message.
type Notifier interface {
	Notify(title, content string)
}

// termuxNotificationPath is absolute so no PATH lookup happens; the lookup
// trips Android's seccomp policy on older releases. PREFIX overrides the
// Termux install root.
var termuxNotificationPath string

func init() {
	prefix := os.Getenv("PREFIX")
	if prefix == "" {
		prefix = "/data/data/com.termux/files/usr"
	}
	termuxNotificationPath = prefix + "/bin/termux-notification"
}

// TermuxNotifier posts Android notifications through termux-notification.
// Off Android the command fails and the notifier degrades to a debug log.
type TermuxNotifier struct {
	id      string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewTermuxNotifier returns a notifier that replaces its previous
// notification instead of stacking new ones.
func NewTermuxNotifier(logger *logrus.Logger) *TermuxNotifier {
	return &TermuxNotifier{
		id:      "ev-charge-tracker",
		timeout: 1500 * time.Millisecond,
		logger:  logger,
	}
}

func (n *TermuxNotifier) Notify(title, content string) {
	if title == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	args := []string{
		"--id", n.id,
		"-t", title,
		"-c", content,
		"--priority", "default",
	}
	if err := exec.CommandContext(ctx, termuxNotificationPath, args...).Run(); err != nil {
		n.logger.WithError(err).Debug("termux-notification execution failed")
	}
}

// LogNotifier writes notifications to the log. Used when no device
// notification channel is configured.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, content string) {
	n.logger.WithField("title", title).Info(content)
}
