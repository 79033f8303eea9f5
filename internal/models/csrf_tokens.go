package models

import "time"

// CSRFToken is the persisted half of a double-submit token. Only the
// SHA-256 of the cookie secret is stored.
type CSRFToken struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"user_id"`
	TokenHash string     `db:"token_hash" json:"-"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	Used      bool       `db:"used" json:"used"`
	UsedAt    *time.Time `db:"used_at" json:"used_at,omitempty"`
	IPAddress string     `db:"ip_address" json:"ip_address"`
	UserAgent string     `db:"user_agent" json:"user_agent"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

func (t *CSRFToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Stale tokens are removed on the next issuance for the same user.
func (t *CSRFToken) Stale(now time.Time) bool {
	return t.Used || t.Expired(now)
}
