// Command faceguard-alarmd is the alarm backend: it stores security logs,
// answers alert-status polls and resets the alarm.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/MrCodeEU/faceguard/pkg/alarmserver"
	"github.com/MrCodeEU/faceguard/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		logging.WithError(err).Error("Alarm backend stopped")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := alarmserver.LoadConfig()
	if err != nil {
		return err
	}
	logging.SetLevel(cfg.LogLevel)

	store, err := alarmserver.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open log store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := alarmserver.NewServer(cfg, store)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	err = srv.Serve(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
