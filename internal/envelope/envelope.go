// Package envelope defines the wire format shared by every websocket
// message the relay sends or receives. Outbound frames are typed
// envelopes with a server timestamp; inbound frames decode into a
// loosely typed Message so the router can switch on the type field.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// Type identifies a websocket message kind. The set is closed: Encode
// refuses types it does not know about.
type Type string

const (
	TypeConnectionEstablished Type = "connection_established"
	TypeLiveHealthUpdate      Type = "live_health_update"
	TypeHistoricalDataUpdate  Type = "historical_data_update"
	TypeEmergencyAlert        Type = "emergency_alert"
	TypeError                 Type = "error"
	TypePong                  Type = "pong"
	TypePing                  Type = "ping"
	TypeClientPresence        Type = "client_presence"
	TypeClientIdentification  Type = "client_identification"
	TypeDeviceStatus          Type = "device_status"
	TypeLiveHealthData        Type = "live_health_data"
	TypeHistoricalData        Type = "historical_data"
	TypeGaitData              Type = "gait_data"
	TypePostureData           Type = "posture_data"
	TypePostureAlert          Type = "posture_alert"
	TypeWalkingCoachingData   Type = "walking_coaching_data"
	TypeWalkingQualityUpdate  Type = "walking_quality_update"
	TypeRealTimeGaitMetrics   Type = "real_time_gait_metrics"
	TypeStartBackfill         Type = "start_historical_backfill"
	TypeGetMore               Type = "get_more"
)

var knownTypes = map[Type]struct{}{
	TypeConnectionEstablished: {},
	TypeLiveHealthUpdate:      {},
	TypeHistoricalDataUpdate:  {},
	TypeEmergencyAlert:        {},
	TypeError:                 {},
	TypePong:                  {},
	TypePing:                  {},
	TypeClientPresence:        {},
	TypeClientIdentification:  {},
	TypeDeviceStatus:          {},
	TypeLiveHealthData:        {},
	TypeHistoricalData:        {},
	TypeGaitData:              {},
	TypePostureData:           {},
	TypePostureAlert:          {},
	TypeWalkingCoachingData:   {},
	TypeWalkingQualityUpdate:  {},
	TypeRealTimeGaitMetrics:   {},
	TypeStartBackfill:         {},
	TypeGetMore:               {},
}

// ErrMalformed is returned by Decode for frames that are not valid
// JSON objects or carry no type. The raw payload is never included.
var ErrMalformed = errors.New("envelope: malformed message")

// Envelope is the outbound frame shape.
type Envelope struct {
	Type      Type   `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Message is the inbound frame shape. Fields beyond Type are
// populated only when the sender included them.
type Message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	ClientType string          `json:"clientType,omitempty"`
	APIKey     string          `json:"apiKey,omitempty"`
	Metrics    json.RawMessage `json:"metrics,omitempty"`
	Cursor     string          `json:"cursor,omitempty"`
}

// nowF is swapped in tests for deterministic timestamps.
var nowF = time.Now

// Encode wraps data in an envelope of the given type and returns the
// JSON bytes. It returns nil for unknown types and on marshal failure.
func Encode(t Type, data any) []byte {
	if _, ok := knownTypes[t]; !ok {
		return nil
	}
	b, err := json.Marshal(Envelope{
		Type:      t,
		Data:      data,
		Timestamp: nowF().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil
	}
	return b
}

// Decode parses an inbound frame. A frame that is not a JSON object
// or has an empty type yields ErrMalformed.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, ErrMalformed
	}
	if m.Type == "" {
		return Message{}, ErrMalformed
	}
	return m, nil
}
