package siren

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// State is the siren's alarm state.
type State string

const (
	StateSafe  State = "SAFE"
	StateAlarm State = "ALARM"
)

// Link is the health of the connection to the alarm backend.
type Link string

const (
	LinkConnected    Link = "CONNECTED"
	LinkServerError  Link = "SERVER_ERROR"
	LinkDisconnected Link = "DISCONNECTED"
)

// Reading is the outcome of one poll. State is only meaningful when Link is
// LinkConnected.
type Reading struct {
	Link    Link
	State   State
	Message string
}

// alertStatus accepts both backend shapes: {shouldAlert} and {status}.
type alertStatus struct {
	ShouldAlert *bool  `json:"shouldAlert"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// Siren polls the alert-status endpoint and renders transitions.
type Siren struct {
	cfg *Config
	out io.Writer

	mu       sync.Mutex
	state    State
	message  string
	link     Link
	onChange func(State)
}

// New creates a siren writing to out. It starts SAFE with the link
// DISCONNECTED until the first poll answers.
func New(cfg *Config, out io.Writer) *Siren {
	return &Siren{
		cfg:   cfg,
		out:   out,
		state: StateSafe,
		link:  LinkDisconnected,
	}
}

// OnChange registers fn to be called after every alarm state transition.
func (s *Siren) OnChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the current alarm state.
func (s *Siren) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Link returns the last observed backend link.
func (s *Siren) Link() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Poll asks the backend once.
func (s *Siren) Poll() Reading {
	code, body, errs := fiber.Get(s.cfg.URL).Timeout(s.cfg.Timeout).Bytes()
	if len(errs) > 0 {
		logging.Component("siren").WithError(errs[0]).Debug("Alert status poll failed")
		return Reading{Link: LinkDisconnected, Message: "Disconnected"}
	}
	if code != fiber.StatusOK {
		return Reading{Link: LinkServerError, Message: fmt.Sprintf("Server Error (%d)", code)}
	}

	var st alertStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return Reading{Link: LinkServerError, Message: "Server Error (bad response)"}
	}
	if (st.ShouldAlert != nil && *st.ShouldAlert) || st.Status == string(StateAlarm) {
		msg := st.Message
		if msg == "" {
			msg = "INTRUSION DETECTED"
		}
		return Reading{Link: LinkConnected, State: StateAlarm, Message: msg}
	}
	return Reading{Link: LinkConnected, State: StateSafe, Message: "SAFE"}
}

// Run polls until ctx is cancelled. While in ALARM the terminal bell rings
// on every poll, including polls that fail to reach the backend.
func (s *Siren) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	fmt.Fprintf(s.out, "Siren polling %s every %s\n", s.cfg.URL, s.cfg.Interval)
	s.step()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *Siren) step() {
	r := s.Poll()
	s.setLink(r)
	if r.Link == LinkConnected {
		s.apply(r.State, r.Message)
	}
	if s.State() == StateAlarm && s.cfg.Bell {
		fmt.Fprint(s.out, "\a")
	}
}

// setLink reports link changes. The alarm state is left as it was.
func (s *Siren) setLink(r Reading) {
	s.mu.Lock()
	prev := s.link
	s.link = r.Link
	s.mu.Unlock()

	if r.Link == prev {
		return
	}
	if r.Link == LinkConnected {
		fmt.Fprintf(s.out, "[%s] LINK: Connected to server\n", time.Now().Format("15:04:05"))
	} else {
		fmt.Fprintf(s.out, "[%s] LINK: %s\n", time.Now().Format("15:04:05"), r.Message)
	}
	logging.Component("siren").WithFields(logging.Fields{
		"from": prev,
		"to":   r.Link,
	}).Info("Backend link changed")
}

func (s *Siren) apply(state State, msg string) {
	s.mu.Lock()
	prev := s.state
	changed := state != prev || msg != s.message
	s.state = state
	s.message = msg
	onChange := s.onChange
	s.mu.Unlock()

	if !changed {
		return
	}
	fmt.Fprintf(s.out, "[%s] %s: %s\n", time.Now().Format("15:04:05"), state, msg)

	log := logging.Component("siren").WithFields(logging.Fields{
		"from": prev,
		"to":   state,
	})
	if state == StateAlarm {
		log.Warn("Alarm sounding")
	} else {
		log.Info("Siren state changed")
	}
	if onChange != nil && state != prev {
		onChange(state)
	}
}
