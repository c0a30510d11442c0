package app

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"padbridge/internal/task/scheduler"
	logx "padbridge/pkg/logx"
)

const watchdogTaskName = "systemd.watchdog"

// Swapped in tests.
var (
	sdNotify   = daemon.SdNotify
	sdWatchdog = func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }
)

// notify sends a state line to the service manager. Outside systemd it is a no-op.
func (a *App) notify(state string) {
	sent, err := sdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// startWatchdog registers the watchdog ping as a critical periodic task at
// half the interval systemd asks for.
func (a *App) startWatchdog() error {
	a.wdMu.Lock()
	defer a.wdMu.Unlock()
	if a.watchdogID != scheduler.InvalidID {
		return nil
	}
	interval, err := sdWatchdog()
	if err != nil {
		a.log.Warn("watchdog settings unreadable", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		a.log.Debug("watchdog not requested by service manager")
		return nil
	}
	period := interval / 2
	id, err := a.sched.Create(scheduler.TaskConfig{
		Name:        watchdogTaskName,
		Policy:      scheduler.Periodic,
		Priority:    scheduler.PriorityCritical,
		Period:      period,
		MaxDuration: period / 2,
		Run: func(context.Context) error {
			_, err := sdNotify(false, daemon.SdNotifyWatchdog)
			return err
		},
	})
	if err != nil {
		return err
	}
	a.watchdogID = id
	a.log.Info("watchdog enabled", logx.Duration("interval", interval), logx.Duration("ping_every", period))
	return nil
}

func (a *App) stopWatchdog(ctx context.Context) {
	a.wdMu.Lock()
	defer a.wdMu.Unlock()
	if a.watchdogID == scheduler.InvalidID {
		return
	}
	if err := a.sched.Delete(ctx, a.watchdogID); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
		a.log.Warn("watchdog task delete failed", logx.Err(err))
	}
	a.watchdogID = scheduler.InvalidID
	a.log.Info("watchdog disabled")
}
