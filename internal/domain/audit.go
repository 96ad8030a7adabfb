package domain

import "time"

// AuditLevel is the severity of an audit entry.
type AuditLevel string

const (
	AuditDebug AuditLevel = "debug"
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// AuditCategory groups audit entries by subsystem.
type AuditCategory string

const (
	AuditGateway AuditCategory = "gateway"
	AuditAgent   AuditCategory = "agent"
	AuditTool    AuditCategory = "tool"
	AuditIPC     AuditCategory = "ipc"
	AuditPolicy  AuditCategory = "policy"
	AuditConfig  AuditCategory = "config"
	AuditEvents  AuditCategory = "events"
)

// AuditEntry is a persisted record of a non-trivial gateway or agent event.
type AuditEntry struct {
	ID         int64         `json:"id"`
	EventID    string        `json:"event_id"`
	Timestamp  time.Time     `json:"ts"`
	SessionID  string        `json:"session_id,omitempty"`
	Level      AuditLevel    `json:"level"`
	Category   AuditCategory `json:"category"`
	Event      string        `json:"event"`
	Summary    string        `json:"summary"`
	DetailJSON string        `json:"detail_json,omitempty"`
}

// AuditFilter narrows audit log queries. Zero values mean "any".
type AuditFilter struct {
	Level     AuditLevel
	Category  AuditCategory
	SessionID string
	Since     time.Time
	Limit     int
}
