package models

import "github.com/google/uuid"

// SessionTag is the join row recording which tags a session was opened
// with, used to compute the effective session budget.
type SessionTag struct {
	SessionID uuid.UUID `gorm:"type:uuid;primaryKey" json:"session_id"`
	TagID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"tag_id"`
}
