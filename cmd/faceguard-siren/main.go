// Command faceguard-siren simulates the counter siren by polling the alarm
// backend and ringing the terminal bell while the alarm is active.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/siren"
)

func main() {
	cfg, err := siren.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := siren.New(cfg, os.Stdout)
	if err := s.Run(ctx); err != nil {
		logging.WithError(err).Error("Siren stopped")
		os.Exit(1)
	}
	fmt.Println("Siren stopped.")
}
