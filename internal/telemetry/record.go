// Package telemetry turns validated metric readings into enriched
// records ready for buffering and fan-out.
package telemetry

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"vitalsense/relay/internal/classify"
)

// Metric types accepted on live updates.
const (
	MetricHeartRate         = "heart_rate"
	MetricWalkingSteadiness = "walking_steadiness"
	MetricStepCount         = "step_count"
	MetricFallDetected      = "fall_detected"
)

var validMetricTypes = map[string]struct{}{
	MetricHeartRate:         {},
	MetricWalkingSteadiness: {},
	MetricStepCount:         {},
	MetricFallDetected:      {},
}

// ErrInvalidMetric flags readings that fail shape validation. The
// offending payload is never carried in the error.
var ErrInvalidMetric = errors.New("telemetry: invalid metric")

// Metric is the client-supplied reading shape.
type Metric struct {
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp float64 `json:"timestamp"`
	Source    string  `json:"source,omitempty"`
}

// Record is a processed reading with derived fields attached.
type Record struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	MetricType   string          `json:"metricType"`
	Value        float64         `json:"value"`
	Unit         string          `json:"unit"`
	Timestamp    float64         `json:"timestamp"`
	Source       string          `json:"source,omitempty"`
	ProcessedAt  time.Time       `json:"processedAt"`
	DerivedScore float64         `json:"derivedScore"`
	FallRisk     string          `json:"fallRisk,omitempty"`
	Alert        *classify.Alert `json:"alert,omitempty"`
}

// ParseMetrics decodes and validates a batch of readings. A batch
// with any invalid entry is rejected whole.
func ParseMetrics(raw json.RawMessage) ([]Metric, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidMetric
	}
	var metrics []Metric
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, ErrInvalidMetric
	}
	if len(metrics) == 0 {
		return nil, ErrInvalidMetric
	}
	for _, m := range metrics {
		if err := validate(m); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func validate(m Metric) error {
	if _, ok := validMetricTypes[m.Type]; !ok {
		return ErrInvalidMetric
	}
	if m.Unit == "" {
		return ErrInvalidMetric
	}
	if m.Timestamp <= 0 {
		return ErrInvalidMetric
	}
	return nil
}

// nowF is swapped in tests.
var nowF = time.Now

// NewRecord enriches a validated reading for the given user: a fresh
// record ID, a processing timestamp, a derived score, and threshold
// alerts and fall risk where the metric type warrants them.
func NewRecord(userID string, m Metric) Record {
	r := Record{
		ID:          uuid.NewString(),
		UserID:      userID,
		MetricType:  m.Type,
		Value:       m.Value,
		Unit:        m.Unit,
		Timestamp:   m.Timestamp,
		Source:      m.Source,
		ProcessedAt: nowF().UTC(),
	}

	switch m.Type {
	case MetricHeartRate:
		r.DerivedScore = classify.HeartRateScore(m.Value)
		r.Alert = stampAlert(classify.HeartRateAlert(m.Value), userID, r.ProcessedAt)
	case MetricWalkingSteadiness:
		r.DerivedScore = m.Value
		r.FallRisk = classify.FallRiskLevel(m.Value)
		r.Alert = stampAlert(classify.FallRiskAlert(m.Value), userID, r.ProcessedAt)
	case MetricFallDetected:
		if m.Value > 0 {
			r.Alert = stampAlert(&classify.Alert{
				MetricType: MetricFallDetected,
				Level:      classify.LevelCritical,
				Message:    "Fall detected",
				Value:      m.Value,
			}, userID, r.ProcessedAt)
		}
	default:
		r.DerivedScore = m.Value
	}

	return r
}

func stampAlert(a *classify.Alert, userID string, at time.Time) *classify.Alert {
	if a == nil {
		return nil
	}
	a.UserID = userID
	a.Timestamp = at.Format(time.RFC3339)
	return a
}
