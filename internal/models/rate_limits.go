package models

import "time"

// RateLimitRecord is the single active counting window for one
// (identifier, bucket) pair.
type RateLimitRecord struct {
	Identifier  string    `db:"identifier" json:"identifier"`
	Bucket      string    `db:"bucket" json:"bucket"`
	WindowStart time.Time `db:"window_start" json:"window_start"`
	WindowEnd   time.Time `db:"window_end" json:"window_end"`
	Count       int64     `db:"count" json:"count"`
}

// Expired reports whether the window has closed at now.
func (r *RateLimitRecord) Expired(now time.Time) bool {
	return !now.Before(r.WindowEnd)
}
