package models

import "time"

const (
	EventCSRFTokenIssued = "csrf_token_issued"
	EventCSRFRejected    = "csrf_rejected"
	EventCSRFIPMismatch  = "csrf_ip_mismatch"
	EventRateLimited     = "rate_limited"
)

type SecurityEvent struct {
	EventID     string            `db:"event_id" json:"event_id"`
	EventBucket int               `db:"event_bucket" json:"event_bucket"`
	UserID      string            `db:"user_id" json:"user_id,omitempty"`
	EventDate   string            `db:"event_date" json:"event_date"`
	EventTime   time.Time         `db:"event_time" json:"event_time"`
	EventType   string            `db:"event_type" json:"event_type"`
	IPAddress   string            `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   string            `db:"user_agent" json:"user_agent,omitempty"`
	RequestID   string            `db:"request_id" json:"request_id,omitempty"`
	Reason      string            `db:"reason" json:"reason,omitempty"`
	Details     map[string]string `db:"details" json:"details,omitempty"`
}
