// Package server exposes the relay over HTTP: the websocket front
// door plus a small REST surface for health, replay, and emergency
// pushes.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vitalsense/relay/internal/buffer"
	"vitalsense/relay/internal/classify"
	"vitalsense/relay/internal/envelope"
	"vitalsense/relay/internal/registry"
	"vitalsense/relay/internal/relay"
	"vitalsense/relay/internal/telemetry"
)

// App-level websocket close codes. The upgrade always succeeds so
// these can be delivered on the socket itself.
const (
	closeForbiddenOrigin = 4403
	closeUnauthorized    = 4401
)

const (
	maxMessageSize = 512 * 1024
	restLatestN    = 10
)

// Server holds the HTTP surface and its collaborators.
type Server struct {
	reg         *registry.Registry
	router      *relay.Router
	store       *buffer.Store
	bearerToken string
	heartbeat   time.Duration
	logger      *zap.Logger
	upgrader    websocket.Upgrader
	startedAt   time.Time
}

// New builds a Server. bearerToken, when non-empty, protects the
// user-scoped REST routes.
func New(reg *registry.Registry, router *relay.Router, store *buffer.Store, bearerToken string, heartbeat time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Server{
		reg:         reg,
		router:      router,
		store:       store,
		bearerToken: bearerToken,
		heartbeat:   heartbeat,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is enforced after the upgrade so rejections
			// carry an app-level close code.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/telemetry", s.handleTelemetry)
		r.Post("/emergency", s.handleEmergency)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.reg.Count(),
		"uptime":      int(time.Since(s.startedAt).Seconds()),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	records := s.store.Latest(userID, restLatestN)

	// Wellness is computed from the newest reading of each component.
	var heartRate, steadiness *float64
	for _, rec := range records {
		v := rec.Value
		switch rec.MetricType {
		case telemetry.MetricHeartRate:
			if heartRate == nil {
				heartRate = &v
			}
		case telemetry.MetricWalkingSteadiness:
			if steadiness == nil {
				steadiness = &v
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":        userID,
		"dataPoints":    s.store.Count(userID),
		"latestData":    records,
		"count":         len(records),
		"wellnessScore": classify.WellnessScore(heartRate, steadiness),
	})
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var payload map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	s.logger.Warn("emergency pushed via rest", zap.String("userId", userID))
	delivered := s.router.BroadcastToUser(userID, envelope.TypeEmergencyAlert, payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "emergency_alert_sent",
		"userId":    userID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"delivered": delivered,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws)

	info, err := s.reg.Accept(conn, r.Header.Get("Origin"), clientToken(r))
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrForbiddenOrigin):
			_ = conn.Close(closeForbiddenOrigin, "origin not allowed")
		case errors.Is(err, registry.ErrUnauthorized):
			_ = conn.Close(closeUnauthorized, "unauthorized")
		default:
			_ = conn.Close(websocket.CloseInternalServerErr, "")
		}
		return
	}

	s.readLoop(ws, info.ID)
}

func (s *Server) readLoop(ws *websocket.Conn, connID string) {
	defer s.reg.Remove(connID)

	pongWait := 2 * s.heartbeat
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		s.reg.Heartbeat(connID)
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", zap.String("connId", connID), zap.Error(err))
			}
			return
		}
		s.reg.Heartbeat(connID)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s.router.Dispatch(connID, raw)
	}
}

// requireBearer enforces the static REST token when one is
// configured. Comparison is constant time.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.bearerToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientToken pulls the device token from the query string or the
// Authorization header.
func clientToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
