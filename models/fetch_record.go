package models

import (
	"time"

	"gorm.io/datatypes"
)

// Status eines FetchRecords.
const (
	FetchStatusXMLFetchFailed       = "xml_fetch_failed"
	FetchStatusPidProviderXMLFailed = "pid_provider_xml_failed"
	FetchStatusSuccess              = "success"
)

// FetchRecord protokolliert das Ergebnis von register_by_uri pro URL.
type FetchRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	URL             string `json:"url" gorm:"column:url;uniqueIndex;not null"`
	Name            string `json:"name,omitempty"`
	Status          string `json:"status" gorm:"size:32;index"`
	LastAssignedPid string `json:"last_assigned_pid,omitempty" gorm:"size:23"`
	Exception       string `json:"exception,omitempty" gorm:"size:255"`
	BlobKey         string `json:"blob_key,omitempty" gorm:"type:text"`
	Attempts        int    `json:"attempts" gorm:"default:0"`
}

// TableName gibt explizit den Tabellennamen an.
func (FetchRecord) TableName() string {
	return "fetch_records"
}

// UnexpectedEvent sammelt Fehler, die keiner Domänenregel entsprechen.
type UnexpectedEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	UUID          string         `json:"uuid" gorm:"size:36;uniqueIndex;not null"`
	Operation     string         `json:"operation" gorm:"index"`
	ExceptionType string         `json:"exception_type"`
	ExceptionMsg  string         `json:"exception_msg" gorm:"type:text"`
	Traceback     string         `json:"traceback,omitempty" gorm:"type:text"`
	Detail        datatypes.JSON `json:"detail,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (UnexpectedEvent) TableName() string {
	return "unexpected_events"
}

// BadRequest speichert ein abgelehntes XML, eindeutig pro Fingerprint.
type BadRequest struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Basename     string `json:"basename" gorm:"index"`
	Fingerprint  string `json:"fingerprint" gorm:"size:64;uniqueIndex;not null"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message" gorm:"type:text"`
	BlobKey      string `json:"blob_key,omitempty" gorm:"type:text"`
}

// TableName gibt explizit den Tabellennamen an.
func (BadRequest) TableName() string {
	return "pid_provider_bad_requests"
}
