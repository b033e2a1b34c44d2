package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/MrCodeEU/faceguard/pkg/control"
	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/station"
)

// monitorStarter is the part of the station the auto-start loop needs.
type monitorStarter interface {
	StartMonitoring(ctx context.Context) error
}

func cmdRun(args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := station.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open station: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logging.WithError(err).Warn("Station did not close cleanly")
		}
	}()

	if cfg.Server.AutoStartMonitor {
		go autoStartMonitor(ctx, st, newAutoStartBackOff())
	}

	srv := control.NewServer(cfg, st)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.WithError(err).Debug("sd_notify READY failed")
	}
	logging.Infof("FaceGuard v%s running, control API on %s", version, cfg.Server.Listen)

	err = srv.Serve(ctx, cfg.Server.Listen)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	logging.Infof("FaceGuard shutting down")
	return err
}

func newAutoStartBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// autoStartMonitor retries StartMonitoring until it succeeds or ctx ends.
// Camera contention and a missing device both clear up on their own.
func autoStartMonitor(ctx context.Context, st monitorStarter, b backoff.BackOff) error {
	log := logging.Component("station")

	op := func() error {
		err := st.StartMonitoring(ctx)
		if err == nil {
			return nil
		}
		switch station.CodeOf(err) {
		case station.ErrCodeCameraBusy, station.ErrCodeCameraUnavailable:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).Warnf("Monitoring not started, retrying in %s", wait.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("Giving up on starting monitoring")
		}
		return err
	}
	log.Info("Monitoring started automatically")
	return nil
}
