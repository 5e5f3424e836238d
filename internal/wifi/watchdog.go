// Package wifi keeps the head unit's WiFi on. Some BYD units switch it off
// when parked, which cuts the tracker off from the MQTT broker.
package wifi

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Watchdog re-enables WiFi through Android's settings and svc commands.
type Watchdog struct {
	logger  *logrus.Logger
	run     runner
	timeout time.Duration
	settle  time.Duration
}

func NewWatchdog(logger *logrus.Logger) *Watchdog {
	return &Watchdog{
		logger:  logger,
		run:     execRunner,
		timeout: 5 * time.Second,
		settle:  500 * time.Millisecond,
	}
}

// Enabled reports whether WiFi is on.
func (w *Watchdog) Enabled(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	out, err := w.run(ctx, "settings", "get", "global", "wifi_on")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "1", nil
}

// Check turns WiFi back on when it is off and reports whether it did.
func (w *Watchdog) Check(ctx context.Context) (bool, error) {
	enabled, err := w.Enabled(ctx)
	if err != nil || enabled {
		return false, err
	}

	w.logger.Info("WiFi is disabled, attempting to re-enable")
	enableCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if _, err := w.run(enableCtx, "svc", "wifi", "enable"); err != nil {
		w.logger.WithError(err).Warn("Failed to enable WiFi")
		return false, err
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-time.After(w.settle):
	}
	if enabled, err := w.Enabled(ctx); err == nil && !enabled {
		w.logger.Warn("WiFi enable command succeeded but WiFi is still disabled")
		return false, nil
	}
	w.logger.Info("WiFi re-enabled")
	return true, nil
}

// Run checks every interval until ctx is cancelled. Failures are not
// fatal; off Android the commands simply do not exist.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Debug("WiFi check failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
