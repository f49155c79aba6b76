package models

import "time"

// XMLVersion ist eine gespeicherte Fassung eines Artikel-XMLs. Der Inhalt
// liegt im Blob-Store unter BlobKey.
type XMLVersion struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	RecordID    uint   `json:"record_id" gorm:"uniqueIndex:idx_xml_version_record_fp;not null"`
	Fingerprint string `json:"fingerprint" gorm:"size:64;uniqueIndex:idx_xml_version_record_fp;not null"`
	BlobKey     string `json:"blob_key" gorm:"type:text;not null"`
	Filename    string `json:"filename,omitempty"`
	Creator     string `json:"creator,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (XMLVersion) TableName() string {
	return "pid_provider_xml_versions"
}
