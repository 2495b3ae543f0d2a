package model

import "time"

// Response is the standard grid API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// RenderAccepted is returned when a render request was queued on the grid.
type RenderAccepted struct {
	RenderID string       `json:"renderId"`
	Status   RenderStatus `json:"status"`
}

// ListOptions configures outcome history queries.
type ListOptions struct {
	Limit   int
	Offset  int
	BatchID string // Optional batch filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
