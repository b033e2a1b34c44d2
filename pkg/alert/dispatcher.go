package alert

import (
	"context"
	"sync"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// Dispatcher debounces events and delivers them without blocking the caller.
//
// Notify and AutoReset must be called from a single goroutine (the frame
// loop); deliveries run on their own goroutines.
type Dispatcher struct {
	sink      Sink
	debouncer *Debouncer
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil now uses time.Now.
func NewDispatcher(sink Sink, timeout time.Duration, now func() time.Time) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{
		sink:      sink,
		debouncer: NewDebouncer(now),
		timeout:   timeout,
	}
}

// Notify sends ev unless key fired within window. The key is stamped before
// delivery, so a failed delivery still counts. It reports whether a delivery
// was started.
func (d *Dispatcher) Notify(ev Event, key string, window time.Duration) bool {
	if !d.debouncer.Allow(key, window) {
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Log(ctx, ev); err != nil {
			logging.Component("alert").WithError(err).WithField("type", ev.Type).Warn("Failed to deliver alert")
			return
		}
		logging.Component("alert").WithField("type", ev.Type).Infof("Alert sent: %s", ev.Title)
	}()
	return true
}

// AutoReset silences the alarm in the background, debounced on KeyReset.
// Failures are logged only.
func (d *Dispatcher) AutoReset(window time.Duration) bool {
	if !d.debouncer.Allow(KeyReset, window) {
		return false
	}
	_ = d.ResetAlarm(context.Background(), false)
	return true
}

// ResetAlarm asks the backend to silence the alarm. A manual reset runs
// synchronously and returns the delivery error. An automatic reset runs in
// the background and only logs.
func (d *Dispatcher) ResetAlarm(ctx context.Context, manual bool) error {
	if manual {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.sink.ResetAlarm(ctx); err != nil {
			logging.Component("alert").WithError(err).Error("Manual alarm reset failed")
			return err
		}
		logging.Component("alert").Info("Alarm reset by operator")
		return nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sink.ResetAlarm(ctx); err != nil {
			logging.Component("alert").WithError(err).Warn("Automatic alarm reset failed")
			return
		}
		logging.Component("alert").Info("Alarm reset: staff present")
	}()
	return nil
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
