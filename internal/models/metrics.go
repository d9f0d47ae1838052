package models

import "time"

// MetricsSnapshot summarises in-process counters for the JSON metrics endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64            `json:"requests_total"`
	AverageRequestDurationMs float64           `json:"average_request_duration_ms"`
	AuthOutcomes             map[string]uint64 `json:"auth_outcomes"`
	ReuseDetections          uint64            `json:"reuse_detections"`
	SecurityEventFailures    uint64            `json:"security_event_failures"`
	Goroutines               int               `json:"goroutines"`
	GeneratedAt              time.Time         `json:"generated_at"`
}
