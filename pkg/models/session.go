// Package models contains domain models for agentpool.
package models

import "time"

// Session represents one conversation thread scoped to a project directory.
//
// CreatedAt and UpdatedAt are reported by the backend process. LastActiveAt
// is tracked locally, because the backend has no concept of which session
// the front-end last touched.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
}

// Touch bumps LastActiveAt. The timestamp is monotonically non-decreasing:
// an older timestamp never overwrites a newer one.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActiveAt) {
		s.LastActiveAt = now
	}
}
