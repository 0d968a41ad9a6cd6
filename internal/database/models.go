package database

import "time"

// SessionEvent is one audit record for a session's lifecycle. Credentials
// are never stored; Username is the login name only.
type SessionEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;size:64" json:"session_id"`
	Username   string    `gorm:"index;size:64" json:"username"`
	EventType  string    `gorm:"index;not null;size:32" json:"event_type"`
	Outcome    string    `gorm:"size:16" json:"outcome"`
	SourceIP   string    `gorm:"size:64" json:"source_ip"`
	Details    string    `gorm:"type:text" json:"details"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}

// ShutdownRun records the outcome of one bulk teardown pass.
type ShutdownRun struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Reason           string    `gorm:"size:32" json:"reason"`
	Attempted        int       `json:"attempted"`
	Succeeded        int       `json:"succeeded"`
	TimedOut         int       `json:"timed_out"`
	Failed           int       `json:"failed"`
	PortsRequested   int       `json:"ports_requested"`
	PortsUnconfirmed string    `gorm:"type:text" json:"ports_unconfirmed"` // comma separated
	ElapsedMs        int64     `json:"elapsed_ms"`
	CreatedAt        time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}
