// Package systemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Group runs a background function; *supervisor.Supervisor satisfies it.
type Group interface {
	Go0(name string, fn func(ctx context.Context))
}

// Ready reports startup completion. It returns false when NOTIFY_SOCKET is unset.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return daemon.SdNotify(false, "STATUS="+s) }

// WatchdogInterval returns the ping interval, or 0 when the watchdog is off.
// Pings go out at half of WATCHDOG_USEC.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// StartWatchdog pings the watchdog on g until ctx ends. healthy may be nil;
// when it reports false the ping is skipped so systemd can restart the unit.
func StartWatchdog(ctx context.Context, g Group, healthy func() bool) bool {
	every := WatchdogInterval()
	if every <= 0 {
		return false
	}
	g.Go0("systemd.watchdog", func(sctx context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sctx.Done():
				return
			case <-t.C:
				if healthy != nil && !healthy() {
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	return true
}
