package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "extractd/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Outside systemd every call is a
// no-op because NOTIFY_SOCKET is unset.
type sdNotifier struct {
	enabled  bool
	watchdog bool
	log      logx.Logger
}

func (n sdNotifier) notify(state string) {
	if !n.enabled {
		return
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func (n sdNotifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// watchdogLoop pings the watchdog at half its interval while healthy reports
// true. It returns immediately when the unit has no WatchdogSec.
func (n sdNotifier) watchdogLoop(ctx context.Context, healthy func() bool) error {
	if !n.enabled || !n.watchdog {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	n.log.Debug("watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if healthy() {
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
