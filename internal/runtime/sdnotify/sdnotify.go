// Package sdnotify reports service state to systemd. Every call is a no-op
// when the process was not started by systemd with NOTIFY_SOCKET set.
package sdnotify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "github.com/HypeDuke/osint3/pkg/logx"
)

// NotifyFunc matches daemon.SdNotify.
type NotifyFunc func(unsetEnvironment bool, state string) (bool, error)

type Notifier struct {
	log      logx.Logger
	notify   NotifyFunc
	watchdog time.Duration

	sent   atomic.Uint64
	failed atomic.Uint64
	last   atomic.Value // string
}

func New(log logx.Logger) *Notifier {
	wd, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
		wd = 0
	}
	return NewWith(daemon.SdNotify, wd, log)
}

// NewWith uses fn instead of the systemd socket.
func NewWith(fn NotifyFunc, watchdog time.Duration, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log.With(logx.String("comp", "sdnotify")), notify: fn, watchdog: watchdog}
}

// WatchdogInterval is WATCHDOG_USEC, zero when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration { return n.watchdog }

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Watchdog() {
	if n.watchdog > 0 {
		n.send(daemon.SdNotifyWatchdog)
	}
}

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(msg string) {
	if prev, _ := n.last.Load().(string); prev == msg {
		return
	}
	n.last.Store(msg)
	n.send("STATUS=" + msg)
}

// Run pings the watchdog at half its interval while healthy reports true,
// so a wedged monitor gets restarted by systemd.
func (n *Notifier) Run(ctx context.Context, healthy func() bool) {
	if n.watchdog <= 0 {
		return
	}
	t := time.NewTicker(n.watchdog / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				n.Watchdog()
			}
		}
	}
}

// Counts returns how many notifications were delivered and failed.
func (n *Notifier) Counts() (sent, failed uint64) { return n.sent.Load(), n.failed.Load() }

func (n *Notifier) send(state string) {
	ok, err := n.notify(false, state)
	switch {
	case err != nil:
		n.failed.Add(1)
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		n.sent.Add(1)
	}
}
