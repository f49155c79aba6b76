package models

import (
	"time"

	"gorm.io/datatypes"
)

// Prozeduren, zu denen ein Timeline-Eintrag geführt wird.
const (
	ProcedureRegistration = "registration"
	ProcedureIsRegistered = "is_registered"
	ProcedureFixPidV2     = "fix_pid_v2"
)

// TimelineEntry fasst alle Ereignisse einer Prozedur für ein Paket zusammen.
type TimelineEntry struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PkgName   string          `json:"pkg_name" gorm:"uniqueIndex:idx_timeline_pkg_procedure;not null"`
	Procedure string          `json:"procedure" gorm:"column:procedure_name;uniqueIndex:idx_timeline_pkg_procedure;not null"`
	Events    []TimelineEvent `json:"events,omitempty" gorm:"foreignKey:EntryID"`
}

// TableName gibt explizit den Tabellennamen an.
func (TimelineEntry) TableName() string {
	return "timeline_entries"
}

// TimelineEvent ist ein einzelnes, nie verändertes Ereignis.
type TimelineEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	EntryID uint           `json:"entry_id" gorm:"index;not null"`
	Name    string         `json:"name"`
	Detail  datatypes.JSON `json:"detail,omitempty"`
	Error   string         `json:"error,omitempty" gorm:"type:text"`
}

// TableName gibt explizit den Tabellennamen an.
func (TimelineEvent) TableName() string {
	return "timeline_events"
}
