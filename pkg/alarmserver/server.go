package alarmserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

// Socket.io events.
const (
	EventNewAlert      = "new-alert"
	EventAlarmResolved = "alarm-resolved"
)

const maxListLimit = 500

// Emitter broadcasts an event to connected dashboards.
type Emitter interface {
	BroadcastToNamespace(namespace string, event string, args ...interface{}) bool
}

// Server serves the security log API and the socket.io endpoint.
type Server struct {
	cfg     *Config
	store   Store
	sio     *socketio.Server
	emitter Emitter
	now     func() time.Time
}

type logRequest struct {
	Type         string `json:"type"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	DetectedName string `json:"detectedName"`
	ImageURL     string `json:"imageUrl"`
	DeviceID     string `json:"deviceId"`
}

// AlertStatus is the siren's view of the alarm.
type AlertStatus struct {
	ShouldAlert bool   `json:"shouldAlert"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Type        string `json:"type,omitempty"`
}

type resolvedEvent struct {
	ProcessedBy string    `json:"processedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewServer creates the server and its socket.io endpoint.
func NewServer(cfg *Config, store Store) *Server {
	log := logging.Component("alarmd")
	allowOrigin := func(r *http.Request) bool { return true }

	sio := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{CheckOrigin: allowOrigin},
			&polling.Transport{CheckOrigin: allowOrigin},
		},
	})
	sio.OnConnect("/", func(conn socketio.Conn) error {
		log.WithField("id", conn.ID()).Debugf("Dashboard connected from %s", conn.RemoteAddr())
		return nil
	})
	sio.OnError("/", func(conn socketio.Conn, err error) {
		log.WithError(err).Warn("Socket error")
	})
	sio.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		log.WithField("id", conn.ID()).Debugf("Dashboard disconnected: %s", reason)
	})

	return &Server{
		cfg:     cfg,
		store:   store,
		sio:     sio,
		emitter: sio,
		now:     time.Now,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.sio)
	mux.HandleFunc("POST /api/security/log", s.createLog)
	mux.HandleFunc("GET /api/security/logs", s.listLogs)
	mux.HandleFunc("GET /api/security/alert-status", s.alertStatus)
	mux.HandleFunc("POST /api/security/reset-alarm", s.resetAlarm)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.cors(mux)
}

// Serve runs the socket.io loop and the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	log := logging.Component("alarmd")

	go func() {
		if err := s.sio.Serve(); err != nil {
			log.WithError(xerrors.New(err)).Error("Socket.io loop failed")
		}
	}()
	defer s.sio.Close()

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Alarm backend listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createLog(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": "invalid request payload"})
		return
	}

	entry := &Log{
		Type:         req.Type,
		Title:        req.Title,
		Message:      req.Message,
		DetectedName: req.DetectedName,
		ImageURL:     req.ImageURL,
		DeviceID:     req.DeviceID,
		Status:       StatusActive,
		Timestamp:    s.now(),
	}
	if err := s.store.Create(r.Context(), entry); err != nil {
		if errors.Is(err, ErrInvalidLog) {
			s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": err.Error()})
			return
		}
		s.serverError(w, "Failed to save security log", err)
		return
	}

	logging.Component("alarmd").WithFields(logging.Fields{
		"type":  entry.Type,
		"title": entry.Title,
		"name":  entry.DetectedName,
	}).Info("Security log received")

	s.emit(EventNewAlert, entry)
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "data": entry})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.DefaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	logs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.serverError(w, "Failed to list security logs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "count": len(logs), "data": logs})
}

func (s *Server) alertStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.LatestActiveAlert(r.Context(), s.now().Add(-s.cfg.ActiveWindow))
	if err != nil {
		logging.Component("alarmd").WithError(xerrors.New(err)).Error("Failed to check alert status")
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"shouldAlert": false, "error": "Server Error"})
		return
	}

	if active == nil {
		s.writeJSON(w, http.StatusOK, AlertStatus{ShouldAlert: false, Status: "SAFE", Message: "SAFE"})
		return
	}
	s.writeJSON(w, http.StatusOK, AlertStatus{
		ShouldAlert: true,
		Status:      "ALARM",
		Message:     "INTRUSION DETECTED",
		Type:        active.Type,
	})
}

func (s *Server) resetAlarm(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ResolveActive(r.Context())
	if err != nil {
		s.serverError(w, "Failed to reset alarm", err)
		return
	}

	logging.Component("alarmd").Infof("Alarm reset, %d logs resolved", n)
	s.emit(EventAlarmResolved, resolvedEvent{ProcessedBy: "Staff", Timestamp: s.now()})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"message":       "Alarm reset successfully",
		"modifiedCount": n,
	})
}

func (s *Server) emit(event string, payload interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.BroadcastToNamespace("/", event, payload)
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	logging.Component("alarmd").WithError(xerrors.New(err)).Error(msg)
	s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "message": "Server Error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Component("alarmd").WithError(err).Warn("Failed to encode JSON response")
	}
}
