package domain

import "time"

// SessionStatus is the lifecycle state of an analysis session.
type SessionStatus string

const (
	SessionRunning          SessionStatus = "running"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionCompleted        SessionStatus = "completed"
	SessionCancelled        SessionStatus = "cancelled"
	SessionError            SessionStatus = "error"
)

// Terminal reports whether a session in this status will never run again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionError:
		return true
	}
	return false
}

// Session is one analysis run for one instrument. Sessions are created once,
// mutated only by the engine goroutine that owns them, and read concurrently
// through registry copies.
type Session struct {
	ID          string        `json:"session_id"`
	ThreadID    string        `json:"thread_id"`
	Instrument  Instrument    `json:"instrument"`
	MarketType  MarketType    `json:"market_type"`
	DisplayName string        `json:"display_name"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Error       string        `json:"error,omitempty"`
}
