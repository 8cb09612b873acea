package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "errbot/pkg/logx"
)

// notifier for the service manager; a no-op outside systemd.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n sdNotifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }
func (n sdNotifier) reloading() {
	n.send(daemon.SdNotifyReloading)
}

// watchdog pings at half the configured interval until ctx is done. healthy
// gates each ping so a wedged app lets systemd restart it.
func (n sdNotifier) watchdog(ctx context.Context, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
