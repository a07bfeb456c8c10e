package client

import "time"

// BackendStatus mirrors GET /backend/status.
type BackendStatus struct {
	State     string     `json:"state"`
	PID       int        `json:"pid,omitempty"`
	Addr      string     `json:"addr"`
	Root      string     `json:"root,omitempty"`
	Platform  string     `json:"platform,omitempty"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	StoppedAt time.Time  `json:"stopped_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Bootstrap *Bootstrap `json:"bootstrap,omitempty"`
	Starts    int        `json:"starts"`
	Restarts  int        `json:"restarts"`
	Resources *Resources `json:"resources,omitempty"`
}

// Running reports whether the backend is serving.
func (s BackendStatus) Running() bool { return s.State == "running" }

// Bootstrap is the outcome of the last database preparation.
type Bootstrap struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// Resources is the last resource sample of the backend process.
type Resources struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// MessageResponse is the body of successful lifecycle calls.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type platformResponse struct {
	Platform string `json:"platform"`
}

type openRequest struct {
	URL string `json:"url"`
}
