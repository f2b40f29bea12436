// Package registry tracks live websocket connections, their identity
// state, and their liveness. It owns admission (origin and token
// checks) and the heartbeat sweep that prunes dead connections.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vitalsense/relay/internal/envelope"
	"vitalsense/relay/internal/metrics"
	"vitalsense/relay/internal/security"
)

var (
	// ErrForbiddenOrigin is returned by Accept for origins outside the
	// configured allowlist.
	ErrForbiddenOrigin = errors.New("registry: origin not allowed")
	// ErrUnauthorized is returned when a presented token or api key
	// fails verification.
	ErrUnauthorized = errors.New("registry: unauthorized")
	// ErrUnknownConnection is returned for operations on a connection
	// id the registry does not hold.
	ErrUnknownConnection = errors.New("registry: unknown connection")
)

// State describes where a connection is in its lifecycle.
type State string

const (
	StateAnonymous  State = "anonymous"
	StateIdentified State = "identified"
	StateClosed     State = "closed"
)

// Conn is the transport surface the registry needs. The websocket
// wrapper implements it; tests inject fakes.
type Conn interface {
	Send(payload []byte) error
	Ping() error
	Close(code int, reason string) error
}

// Broadcaster fans an envelope out to a user's connections. The
// router implements it; the registry uses it for presence events.
type Broadcaster interface {
	BroadcastToUser(userID string, t envelope.Type, data any) int
	BroadcastToOthers(userID, excludeConnID string, t envelope.Type, data any) int
}

// Info is a read-only snapshot of one connection's identity state.
type Info struct {
	ID          string
	UserID      string
	ClientType  string
	State       State
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Target pairs a connection id with its transport for delivery.
type Target struct {
	ConnID    string
	Transport Conn
}

type connection struct {
	id          string
	userID      string
	clientType  string
	state       State
	connectedAt time.Time
	lastSeen    time.Time
	transport   Conn
	closeOnce   sync.Once
}

// Options configures a Registry.
type Options struct {
	AllowedOrigins    []string
	APIKey            string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Instruments       *metrics.Instruments
}

// Registry is the mutex-guarded connection table.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*connection
	verifier    *security.Verifier
	origins     []string
	apiKey      string
	heartbeat   time.Duration
	logger      *zap.Logger
	inst        *metrics.Instruments
	broadcaster Broadcaster
	nowF        func() time.Time
}

// New returns an empty Registry. verifier may be nil when token
// admission is not configured.
func New(verifier *security.Verifier, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Registry{
		conns:     make(map[string]*connection),
		verifier:  verifier,
		origins:   opts.AllowedOrigins,
		apiKey:    opts.APIKey,
		heartbeat: heartbeat,
		logger:    logger,
		inst:      opts.Instruments,
		nowF:      time.Now,
	}
}

// SetBroadcaster wires the fan-out implementation. Call once during
// startup, before any connection is accepted.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// Accept admits a new transport. The origin allowlist is enforced
// first, then the device token if one was presented. A valid token
// identifies the connection immediately; otherwise it starts
// anonymous and waits for a client_identification message. On
// success the welcome envelope has already been sent.
func (r *Registry) Accept(transport Conn, origin, token string) (Info, error) {
	if !r.originAllowed(origin) {
		return Info{}, ErrForbiddenOrigin
	}

	// With no verifier configured, presented tokens are ignored and the
	// connection starts anonymous.
	var claims security.DeviceClaims
	identified := false
	if token != "" && r.verifier != nil {
		var err error
		claims, err = r.verifier.Verify(token)
		if err != nil {
			return Info{}, ErrUnauthorized
		}
		identified = claims.UserID != ""
	}

	now := r.nowF()
	c := &connection{
		id:          uuid.NewString(),
		state:       StateAnonymous,
		connectedAt: now,
		lastSeen:    now,
		transport:   transport,
	}
	if identified {
		c.state = StateIdentified
		c.userID = claims.UserID
		c.clientType = claims.ClientType
	}

	r.mu.Lock()
	r.conns[c.id] = c
	info := r.snapshot(c)
	r.mu.Unlock()

	r.inst.ConnectionOpened(context.Background())
	r.logger.Debug("connection accepted",
		zap.String("connId", c.id),
		zap.Bool("identified", identified))

	welcome := envelope.Encode(envelope.TypeConnectionEstablished, map[string]any{
		"connectionId": c.id,
		"message":      "Connected to health data relay",
	})
	if err := transport.Send(welcome); err != nil {
		r.Remove(c.id)
		return Info{}, err
	}

	if identified && c.clientType == "ios_app" {
		r.announcePresence(c.userID, c.id, "online")
	}
	return info, nil
}

// Identify binds an anonymous connection to a user. When an api key
// is configured a mismatch closes the connection. An ios_app device
// coming online is announced to the user's other connections.
func (r *Registry) Identify(connID, userID, clientType, apiKey string) error {
	if r.apiKey != "" && apiKey != r.apiKey {
		r.logger.Warn("identification rejected", zap.String("connId", connID), zap.String("reason", "api_key_mismatch"))
		r.closeAndRemove(connID, 4401, "invalid api key")
		return ErrUnauthorized
	}

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	c.userID = userID
	c.clientType = clientType
	c.state = StateIdentified
	c.lastSeen = r.nowF()
	r.mu.Unlock()

	r.logger.Info("connection identified",
		zap.String("connId", connID),
		zap.String("userId", userID),
		zap.String("clientType", clientType))

	if clientType == "ios_app" {
		r.announcePresence(userID, connID, "online")
	}
	return nil
}

// Heartbeat marks the connection alive.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.lastSeen = r.nowF()
	}
	r.mu.Unlock()
}

// Remove deregisters a connection and closes its transport. Calling
// it for an already removed id is a no-op. An identified ios_app
// going away is announced to the user's other connections.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	userID, clientType := c.userID, c.clientType
	wasIdentified := c.state == StateIdentified
	c.state = StateClosed
	r.mu.Unlock()

	c.closeOnce.Do(func() {
		_ = c.transport.Close(1000, "")
	})
	r.inst.ConnectionClosed(context.Background())
	r.logger.Debug("connection removed", zap.String("connId", connID))

	if wasIdentified && clientType == "ios_app" {
		r.announcePresence(userID, connID, "offline")
	}
}

// Get returns the identity snapshot for a connection id.
func (r *Registry) Get(connID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return Info{}, false
	}
	return r.snapshot(c), true
}

// SendTo delivers a payload to one connection. A transport failure
// removes the connection.
func (r *Registry) SendTo(connID string, payload []byte) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	if err := c.transport.Send(payload); err != nil {
		r.inst.DeliveryFailed(context.Background())
		r.logger.Warn("delivery failed", zap.String("connId", connID), zap.Error(err))
		r.Remove(connID)
		return err
	}
	return nil
}

// ConnectionsFor returns delivery targets for every identified
// connection belonging to the user.
func (r *Registry) ConnectionsFor(userID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var targets []Target
	for _, c := range r.conns {
		if c.state == StateIdentified && c.userID == userID {
			targets = append(targets, Target{ConnID: c.id, Transport: c.transport})
		}
	}
	return targets
}

// Count reports how many connections are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Run pings every connection on the heartbeat interval and removes
// the ones whose transport errors. It returns when ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	r.mu.RLock()
	targets := make([]Target, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, Target{ConnID: c.id, Transport: c.transport})
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.Transport.Ping(); err != nil {
			r.logger.Debug("heartbeat failed", zap.String("connId", t.ConnID), zap.Error(err))
			r.Remove(t.ConnID)
		}
	}
}

func (r *Registry) originAllowed(origin string) bool {
	if len(r.origins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range r.origins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (r *Registry) announcePresence(userID, excludeConnID, status string) {
	if r.broadcaster == nil || userID == "" {
		return
	}
	r.broadcaster.BroadcastToOthers(userID, excludeConnID, envelope.TypeClientPresence, map[string]string{
		"userId": userID,
		"status": status,
	})
}

func (r *Registry) closeAndRemove(connID string, code int, reason string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.closeOnce.Do(func() {
		_ = c.transport.Close(code, reason)
	})
	r.Remove(connID)
}

func (r *Registry) snapshot(c *connection) Info {
	return Info{
		ID:          c.id,
		UserID:      c.userID,
		ClientType:  c.clientType,
		State:       c.state,
		ConnectedAt: c.connectedAt,
		LastSeen:    c.lastSeen,
	}
}
