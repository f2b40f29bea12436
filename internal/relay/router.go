// Package relay routes inbound websocket messages: validation,
// classification, buffering, and fan-out to the right connections.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vitalsense/relay/internal/buffer"
	"vitalsense/relay/internal/classify"
	"vitalsense/relay/internal/envelope"
	"vitalsense/relay/internal/metrics"
	"vitalsense/relay/internal/registry"
	"vitalsense/relay/internal/telemetry"
)

// Gait quality below this score is escalated to family members.
const gaitEscalationThreshold = 60

// Router dispatches decoded messages and implements the fan-out the
// registry uses for presence events.
type Router struct {
	reg      *registry.Registry
	store    *buffer.Store
	pageSize int
	logger   *zap.Logger
	inst     *metrics.Instruments
	nowF     func() time.Time
}

// NewRouter wires the router against the registry and record store.
func NewRouter(reg *registry.Registry, store *buffer.Store, pageSize int, logger *zap.Logger, inst *metrics.Instruments) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	return &Router{
		reg:      reg,
		store:    store,
		pageSize: pageSize,
		logger:   logger,
		inst:     inst,
		nowF:     time.Now,
	}
}

// Dispatch handles one raw frame from a connection. A malformed frame
// gets an error envelope back; everything else is routed by type. A
// panic while handling one message is contained to that message.
func (rt *Router) Dispatch(connID string, raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			rt.logger.Error("message handler panicked",
				zap.String("connId", connID),
				zap.Any("panic", p))
		}
	}()

	rt.inst.MessageDispatched(context.Background())

	m, err := envelope.Decode(raw)
	if err != nil {
		rt.sendError(connID, "invalid message format")
		return
	}

	switch envelope.Type(m.Type) {
	case envelope.TypePing:
		_ = rt.reg.SendTo(connID, envelope.Encode(envelope.TypePong, map[string]string{"status": "ok"}))
	case envelope.TypeClientIdentification:
		_ = rt.reg.Identify(connID, m.UserID, m.ClientType, m.APIKey)
	case envelope.TypeLiveHealthUpdate, envelope.TypeLiveHealthData:
		rt.handleLive(connID, m)
	case envelope.TypeHistoricalDataUpdate, envelope.TypeHistoricalData:
		rt.handleHistorical(connID, m)
	case envelope.TypeEmergencyAlert:
		rt.handleEmergency(connID, m)
	case envelope.TypeGaitData, envelope.TypeRealTimeGaitMetrics, envelope.TypeWalkingQualityUpdate:
		rt.handleGait(connID, m, "walking_quality")
	case envelope.TypePostureData, envelope.TypePostureAlert:
		rt.handleGait(connID, m, "posture")
	case envelope.TypeWalkingCoachingData:
		rt.handleGait(connID, m, "walking_coaching")
	case envelope.TypeStartBackfill, envelope.TypeGetMore:
		rt.handleBackfill(connID, m)
	default:
		rt.logger.Debug("unhandled message type",
			zap.String("connId", connID),
			zap.String("type", m.Type))
	}
}

// BroadcastToUser encodes one envelope and delivers it to every
// identified connection of the user. It returns the delivery count.
func (rt *Router) BroadcastToUser(userID string, t envelope.Type, data any) int {
	return rt.broadcast(userID, "", t, data)
}

// BroadcastToOthers is BroadcastToUser minus one connection, used
// for presence announcements.
func (rt *Router) BroadcastToOthers(userID, excludeConnID string, t envelope.Type, data any) int {
	return rt.broadcast(userID, excludeConnID, t, data)
}

// BroadcastToFamilyMembers notifies the monitoring side of a user's
// circle. Family resolution is not modeled yet, so this reaches the
// user's own connections, which is where dashboards attach.
func (rt *Router) BroadcastToFamilyMembers(userID string, t envelope.Type, data any) int {
	return rt.BroadcastToUser(userID, t, data)
}

func (rt *Router) broadcast(userID, excludeConnID string, t envelope.Type, data any) int {
	payload := envelope.Encode(t, data)
	if payload == nil {
		return 0
	}
	delivered := 0
	for _, target := range rt.reg.ConnectionsFor(userID) {
		if target.ConnID == excludeConnID {
			continue
		}
		if err := rt.reg.SendTo(target.ConnID, payload); err == nil {
			delivered++
		}
	}
	rt.inst.BroadcastSent(context.Background(), int64(delivered))
	return delivered
}

func (rt *Router) handleLive(connID string, m envelope.Message) {
	userID := rt.resolveUser(connID, m)
	if userID == "" {
		return
	}

	metricsRaw := metricsPayload(m)
	parsed, err := telemetry.ParseMetrics(metricsRaw)
	if err != nil {
		rt.sendError(connID, "invalid metrics payload")
		return
	}

	for _, metric := range parsed {
		record := telemetry.NewRecord(userID, metric)
		rt.store.Append(record)
		rt.inst.RecordsBuffered(context.Background(), 1)

		rt.BroadcastToUser(userID, envelope.TypeLiveHealthUpdate, record)
		if record.Alert != nil {
			rt.BroadcastToUser(userID, envelope.TypeEmergencyAlert, record.Alert)
		}
	}
}

func (rt *Router) handleHistorical(connID string, m envelope.Message) {
	userID := rt.resolveUser(connID, m)
	if userID == "" {
		return
	}

	parsed, err := telemetry.ParseMetrics(metricsPayload(m))
	if err != nil {
		rt.sendError(connID, "invalid metrics payload")
		return
	}

	records := make([]telemetry.Record, 0, len(parsed))
	for _, metric := range parsed {
		records = append(records, telemetry.NewRecord(userID, metric))
	}
	rt.store.AppendBatch(userID, records)
	rt.inst.RecordsBuffered(context.Background(), int64(len(records)))

	rt.BroadcastToUser(userID, envelope.TypeHistoricalDataUpdate, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (rt *Router) handleEmergency(connID string, m envelope.Message) {
	userID := rt.resolveUser(connID, m)
	if userID == "" {
		return
	}

	var data any
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &data); err != nil {
			rt.sendError(connID, "invalid message format")
			return
		}
	}
	rt.logger.Warn("emergency alert relayed", zap.String("userId", userID))
	rt.BroadcastToFamilyMembers(userID, envelope.TypeEmergencyAlert, data)
}

type gaitPayload struct {
	QualityScore     *float64 `json:"qualityScore"`
	Severity         string   `json:"severity"`
	ImprovementAreas []string `json:"improvementAreas"`
}

func (rt *Router) handleGait(connID string, m envelope.Message, metricType string) {
	userID := rt.resolveUser(connID, m)
	if userID == "" {
		return
	}

	var p gaitPayload
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &p); err != nil {
			rt.sendError(connID, "invalid message format")
			return
		}
	}

	var data any
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &data)
	}

	now := rt.nowF().UTC()
	record := telemetry.Record{
		ID:          uuid.NewString(),
		UserID:      userID,
		MetricType:  metricType,
		Unit:        "score",
		ProcessedAt: now,
	}
	if p.QualityScore != nil {
		record.Value = *p.QualityScore
		record.DerivedScore = *p.QualityScore
	}
	rt.store.Append(record)
	rt.inst.RecordsBuffered(context.Background(), 1)

	inboundType := envelope.Type(m.Type)
	rt.BroadcastToUser(userID, inboundType, data)

	if rt.shouldEscalate(metricType, p) {
		rt.logger.Info("gait event escalated",
			zap.String("userId", userID),
			zap.String("metricType", metricType))
		rt.BroadcastToFamilyMembers(userID, inboundType, data)
		rt.BroadcastToFamilyMembers(userID, envelope.TypeEmergencyAlert, &classify.Alert{
			MetricType: metricType,
			Level:      classify.LevelWarning,
			Message:    "Mobility deterioration detected",
			Value:      record.Value,
			Timestamp:  now.Format(time.RFC3339),
			UserID:     userID,
		})
	}
}

func (rt *Router) shouldEscalate(metricType string, p gaitPayload) bool {
	switch metricType {
	case "walking_quality":
		return p.QualityScore != nil && *p.QualityScore < gaitEscalationThreshold
	case "posture":
		return p.Severity == "high"
	case "walking_coaching":
		return len(p.ImprovementAreas) == 0
	default:
		return false
	}
}

func (rt *Router) handleBackfill(connID string, m envelope.Message) {
	userID := rt.resolveUser(connID, m)
	if userID == "" {
		return
	}

	records, nextCursor := rt.store.Page(userID, m.Cursor, rt.pageSize)
	page := map[string]any{
		"records": records,
		"count":   len(records),
	}
	// The last page carries no cursor at all.
	if nextCursor != "" {
		page["nextCursor"] = nextCursor
	}
	_ = rt.reg.SendTo(connID, envelope.Encode(envelope.TypeHistoricalDataUpdate, page))
}

// resolveUser returns the connection's verified identity. A userId in
// the frame is honored only when it matches; anything else is a
// forgery attempt and the frame is dropped, as are frames from
// connections with no identity at all.
func (rt *Router) resolveUser(connID string, m envelope.Message) string {
	info, ok := rt.reg.Get(connID)
	if !ok || info.UserID == "" {
		rt.logger.Debug("frame dropped without user", zap.String("connId", connID), zap.String("type", m.Type))
		return ""
	}
	if m.UserID != "" && m.UserID != info.UserID {
		rt.logger.Warn("frame dropped, user mismatch",
			zap.String("connId", connID),
			zap.String("type", m.Type))
		return ""
	}
	return info.UserID
}

func (rt *Router) sendError(connID, message string) {
	_ = rt.reg.SendTo(connID, envelope.Encode(envelope.TypeError, map[string]string{"message": message}))
}

// metricsPayload finds the readings array: a top-level metrics field,
// a data field that is itself the array, or a metrics field nested in
// data.
func metricsPayload(m envelope.Message) json.RawMessage {
	if len(m.Metrics) > 0 {
		return m.Metrics
	}
	trimmed := bytes.TrimSpace(m.Data)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		return m.Data
	}
	var wrapper struct {
		Metrics json.RawMessage `json:"metrics"`
	}
	if err := json.Unmarshal(m.Data, &wrapper); err == nil && len(wrapper.Metrics) > 0 {
		return wrapper.Metrics
	}
	return nil
}
