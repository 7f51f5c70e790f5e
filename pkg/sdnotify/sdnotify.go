// Package sdnotify wraps the sd_notify protocol. Every call is a no-op
// when the process is not running under systemd with Type=notify.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells the service manager startup has finished.
func Ready() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping tells the service manager shutdown has begun.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status publishes a single-line status string next to the unit state.
func Status(s string) {
	_, _ = daemon.SdNotify(false, "STATUS="+s)
}

// Watchdog pings WATCHDOG=1 at half the configured WatchdogSec interval
// until ctx is canceled. Returns immediately when no watchdog is set.
func Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
