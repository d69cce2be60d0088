package client

import (
	"encoding/json"
	"time"
)

// Status is the response of GET /status.
type Status struct {
	State       string          `json:"state"`
	Running     bool            `json:"running"`
	Handle      string          `json:"handle,omitempty"`
	PID         int             `json:"pid,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	Usage       *Usage          `json:"usage,omitempty"`
	SessionLive bool            `json:"session_live"`
	Subscribers int             `json:"subscribers"`
	Stats       json.RawMessage `json:"stats,omitempty"`
}

// Usage is a resource sample of the backend process.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Threads    int32     `json:"threads"`
	CreatedAt  time.Time `json:"created_at"`
}

// SystemInfo is the response of GET /system.
type SystemInfo struct {
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	CPUs        int    `json:"cpus"`
	TotalMemory uint64 `json:"totalMemory"`
	FreeMemory  uint64 `json:"freeMemory"`
	Uptime      uint64 `json:"uptime"`
	Hostname    string `json:"hostname"`
}

// Ack is the response of POST /commands/:name.
type Ack struct {
	ID         string          `json:"id"`
	Command    string          `json:"command"`
	Dispatched bool            `json:"dispatched"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Event is one entry of the GET /events stream.
type Event struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Stream   string          `json:"stream"`
	Payload  string          `json:"payload"`
	Data     json.RawMessage `json:"data,omitempty"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Time     time.Time       `json:"time"`
}

// Run is one entry of GET /history.
type Run struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Crashed   bool      `json:"crashed"`
}

type configValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
