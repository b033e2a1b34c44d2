package monitor

import "errors"

// ErrAlreadyRunning is returned when Run is called on a running monitor.
var ErrAlreadyRunning = errors.New("monitor already running")
