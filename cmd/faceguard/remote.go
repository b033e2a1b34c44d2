package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/camera"
	"github.com/MrCodeEU/faceguard/pkg/control"
	"github.com/MrCodeEU/faceguard/pkg/enrollment"
	"github.com/MrCodeEU/faceguard/pkg/logging"
	"github.com/MrCodeEU/faceguard/pkg/station"
)

const enrollPollInterval = 300 * time.Millisecond

// enrollClient is the control API surface the enroll command drives.
type enrollClient interface {
	BeginEnrollment(name string) (enrollment.Status, error)
	EnrollmentStatus() (enrollment.Status, error)
	FinishEnrollment() (enrollment.Status, error)
	CancelEnrollment() error
}

func cmdMonitor(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("action required\nUsage: faceguard monitor <start|stop>")
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	var st station.Status
	switch args[0] {
	case "start":
		st, err = client.StartMonitoring()
	case "stop":
		st, err = client.StopMonitoring()
	default:
		return fmt.Errorf("unknown monitor action %q\nUsage: faceguard monitor <start|stop>", args[0])
	}
	if err != nil {
		return err
	}
	printStatus(os.Stdout, st)
	return nil
}

func cmdStatus(args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	st, err := client.Status()
	if err != nil {
		return err
	}
	printStatus(os.Stdout, st)
	return nil
}

func printStatus(w io.Writer, st station.Status) {
	fmt.Fprintf(w, "Monitoring:   %t\n", st.Monitoring)
	owner := st.CameraOwner
	if owner == "" {
		owner = "free"
	}
	fmt.Fprintf(w, "Camera:       %s\n", owner)
	fmt.Fprintf(w, "Alarm:        %s\n", alarmLabel(st.AlarmActive))
	fmt.Fprintf(w, "Identities:   %d\n", st.Identities)
	if st.MonitorError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", st.MonitorError)
	}
	if st.Enrollment != nil {
		fmt.Fprintf(w, "Enrollment:   %s %s (%d/%d)\n", st.Enrollment.Name, st.Enrollment.State, st.Enrollment.Captured, st.Enrollment.Total)
	}
	if r := st.LastReport; r != nil {
		fmt.Fprintf(w, "Last frame:   %s, %d face(s), action %s\n", r.Timestamp.Format("15:04:05"), len(r.Faces), r.Decision.Action)
	}
}

func alarmLabel(active bool) string {
	if active {
		return "ACTIVE"
	}
	return "silent"
}

func cmdList(args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ids, err := client.Identities()
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		fmt.Println("No identities enrolled.")
		return nil
	}

	fmt.Println("Enrolled identities:")
	for _, id := range ids {
		fmt.Printf("  - %-20s %3d vectors  %3d samples\n", id.Name, id.Vectors, id.Samples)
	}
	fmt.Printf("\nTotal: %d identit%s\n", len(ids), plural(len(ids), "y", "ies"))
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func cmdRemove(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("name required\nUsage: faceguard remove <name>")
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	name := args[0]
	logging.Infof("Removing identity: %s", name)
	if err := client.DeleteIdentity(name); err != nil {
		return err
	}
	fmt.Printf("Identity '%s' has been removed.\n", name)
	return nil
}

func cmdReset(args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.ResetAlarm(); err != nil {
		return err
	}
	fmt.Println("Alarm reset.")
	return nil
}

func cmdEnroll(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("name required\nUsage: faceguard enroll <name>")
	}
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runEnrollment(ctx, client, args[0], os.Stdout, enrollPollInterval)
}

// runEnrollment begins a session, prints guidance until capture completes,
// then finishes it. Cancelling ctx cancels the session.
func runEnrollment(ctx context.Context, client enrollClient, name string, w io.Writer, interval time.Duration) error {
	st, err := client.BeginEnrollment(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Enrolling '%s': %d samples over %d poses.\n", name, st.Total, st.StepCount)
	fmt.Fprintln(w, "Please ensure good lighting and face the camera.")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		line := progressLine(st)
		if line != last {
			fmt.Fprintln(w, line)
			last = line
		}

		switch st.State {
		case enrollment.ReviewComplete:
			fmt.Fprintln(w, "Capture complete, saving...")
			final, err := client.FinishEnrollment()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Enrolled '%s' with %d samples.\n", final.Name, final.Captured)
			return nil
		case enrollment.Cancelled:
			msg := st.Error
			if msg == "" {
				msg = "cancelled"
			}
			return fmt.Errorf("enrollment stopped: %s", msg)
		case enrollment.Completed:
			return nil
		}

		select {
		case <-ctx.Done():
			if err := client.CancelEnrollment(); err != nil && !isNoSession(err) {
				return fmt.Errorf("failed to cancel enrollment: %w", err)
			}
			fmt.Fprintln(w, "Enrollment cancelled; nothing was stored.")
			return ctx.Err()
		case <-ticker.C:
		}

		st, err = client.EnrollmentStatus()
		if err != nil {
			return err
		}
	}
}

func isNoSession(err error) bool {
	var apiErr *control.APIError
	return errors.As(err, &apiErr) && apiErr.Code == string(station.ErrCodeNoSession)
}

func progressLine(st enrollment.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d/%d]", st.Captured, st.Total)
	if st.State == enrollment.Capturing {
		fmt.Fprintf(&b, " step %d/%d", st.Step+1, st.StepCount)
		if st.Instruction != "" {
			fmt.Fprintf(&b, ": %s", st.Instruction)
		}
		if hint := st.Feedback.Message(); hint != "" && !st.Feedback.Accepted() {
			fmt.Fprintf(&b, " (%s)", hint)
		}
	}
	return b.String()
}

func cmdCameras(args []string) error {
	devices, err := camera.ListCameras()
	if err != nil {
		return fmt.Errorf("failed to list cameras: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No video devices found.")
		return nil
	}

	fmt.Println("Video devices:")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "unknown"
		}
		marker := " "
		if d.Path == cfg.Camera.Device {
			marker = "*"
		}
		fmt.Printf(" %s %-14s %s", marker, d.Path, name)
		if d.Driver != "" {
			fmt.Printf(" (%s)", d.Driver)
		}
		fmt.Println()
	}
	return nil
}

func cmdToken(args []string) error {
	if cfg.Server.TokenSecret == "" {
		return fmt.Errorf("server.token_secret is not set; the control API runs without auth")
	}
	subject := "operator"
	if len(args) > 0 {
		subject = args[0]
	}

	token, err := control.NewTokenService(cfg.Server.TokenSecret, cfg.Server.TokenTTL).Issue(subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
