// Package systemd reports service state to the systemd manager. Every call
// is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "groupsummary/pkg/logx"
)

// Notifier wraps sd_notify. The zero value is usable.
type Notifier struct {
	log logx.Logger
	// notify is swapped in tests.
	notify func(state string) (bool, error)
}

func New(log logx.Logger) *Notifier {
	return &Notifier{log: log}
}

func (n *Notifier) send(state string) bool {
	fn := n.notify
	if fn == nil {
		fn = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}
	ok, err := fn(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(text string) bool { return n.send("STATUS=" + text) }

// WatchdogInterval returns the ping interval systemd expects, or 0 when the
// watchdog is disabled for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval while healthy reports true, so a
// wedged scheduler or processor lets systemd restart the unit. It returns
// when ctx ends.
func (n *Notifier) Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if healthy != nil && !healthy() {
			n.log.Warn("watchdog ping withheld: unhealthy")
			continue
		}
		n.send(daemon.SdNotifyWatchdog)
	}
}
