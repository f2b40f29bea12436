// Package classify derives scores, risk levels and alerts from raw
// biometric readings. Everything here is a pure function so the
// router can call it inline on the hot path.
package classify

// AlertLevel grades a derived alert.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Alert is attached to a telemetry record when a reading crosses a
// threshold, and also broadcast standalone as an emergency.
type Alert struct {
	MetricType string     `json:"metricType"`
	Level      AlertLevel `json:"level"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Timestamp  string     `json:"timestamp"`
	UserID     string     `json:"userId,omitempty"`
}

// HeartRateScore maps a heart rate reading to a 0-100 wellness
// contribution. 60-100 bpm is the healthy resting band.
func HeartRateScore(bpm float64) float64 {
	switch {
	case bpm >= 60 && bpm <= 100:
		return 100
	case bpm >= 50 && bpm < 60:
		return 85
	case bpm > 100 && bpm <= 120:
		return 75
	default:
		return 40
	}
}

// HeartRateAlert returns a derived alert for out-of-band heart rates,
// or nil when the reading needs no attention.
func HeartRateAlert(bpm float64) *Alert {
	switch {
	case bpm > 150:
		return &Alert{MetricType: "heart_rate", Level: LevelCritical, Message: "Heart rate critically high", Value: bpm}
	case bpm < 40:
		return &Alert{MetricType: "heart_rate", Level: LevelCritical, Message: "Heart rate critically low", Value: bpm}
	case bpm > 120:
		return &Alert{MetricType: "heart_rate", Level: LevelWarning, Message: "Heart rate elevated", Value: bpm}
	default:
		return nil
	}
}

// FallRiskLevel buckets a walking steadiness score into a risk label.
func FallRiskLevel(steadiness float64) string {
	switch {
	case steadiness >= 80:
		return "low"
	case steadiness >= 60:
		return "moderate"
	case steadiness >= 40:
		return "high"
	default:
		return "critical"
	}
}

// FallRiskAlert returns a derived alert for low steadiness scores, or
// nil when the score is acceptable.
func FallRiskAlert(steadiness float64) *Alert {
	switch {
	case steadiness < 40:
		return &Alert{MetricType: "walking_steadiness", Level: LevelCritical, Message: "Fall risk critically high", Value: steadiness}
	case steadiness < 60:
		return &Alert{MetricType: "walking_steadiness", Level: LevelWarning, Message: "Fall risk elevated", Value: steadiness}
	default:
		return nil
	}
}

// WellnessScore combines the available readings into a single 0-100
// score, the mean of each present component's score. Nil readings are
// skipped; with no readings the score is 0.
func WellnessScore(heartRate, steadiness *float64) float64 {
	var sum float64
	var n int
	if heartRate != nil {
		sum += HeartRateScore(*heartRate)
		n++
	}
	if steadiness != nil {
		sum += *steadiness
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
