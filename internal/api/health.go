package api

import "time"

type HealthResponse struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Status        string         `json:"status"`
	StreamID      string         `json:"stream_id,omitempty"`
	Backend       *BackendHealth `json:"backend,omitempty"`
}

// BackendHealth is the monitor's view of the tax backend, independent of mode.
type BackendHealth struct {
	Last                string     `json:"last"`
	Level               string     `json:"level"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CheckedAt           *time.Time `json:"checked_at,omitempty"`
}
