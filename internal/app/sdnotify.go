package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"checkinbot/internal/runtime/supervisor"
	logx "checkinbot/pkg/logx"
)

// notifyReady tells systemd the service is up. Outside systemd (no
// NOTIFY_SOCKET) the call reports false and nothing happens.
func notifyReady(log logx.Logger) {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if ok {
		log.Debug("systemd notified: ready")
	}
}

func notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// startWatchdog feeds the systemd watchdog at half the configured interval.
// No-op unless the unit sets WatchdogSec.
func startWatchdog(sup *supervisor.Supervisor, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog detection failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		tk := time.NewTicker(interval / 2)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn("watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}
