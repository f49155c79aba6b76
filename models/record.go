package models

import "time"

// PID-Typen, wie sie in Aliasen, im Ledger und in changed_pids vorkommen.
const (
	PidTypeV3  = "pid_v3"
	PidTypeV2  = "pid_v2"
	PidTypeAOP = "aop_pid"
)

// Record ist ein registrierter Artikel mit seinen kanonischen PIDs und den
// normalisierten Feldern, über die er wiedergefunden wird.
type Record struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	V3     string `json:"v3" gorm:"column:v3;size:23;uniqueIndex;not null"`
	V2     string `json:"v2" gorm:"column:v2;size:23;uniqueIndex;not null"`
	AOPPid string `json:"aop_pid,omitempty" gorm:"column:aop_pid;size:23;index"`

	PkgName string `json:"pkg_name" gorm:"index"`

	// Zeitschrift
	IssnElectronic string `json:"issn_electronic,omitempty" gorm:"size:9;index:idx_pid_xml_issn_e_year"`
	IssnPrint      string `json:"issn_print,omitempty" gorm:"size:9;index:idx_pid_xml_issn_p_year"`

	// Heft; alle leer = AOP
	PubYear string `json:"pub_year,omitempty" gorm:"size:4"`
	Volume  string `json:"volume,omitempty"`
	Number  string `json:"number,omitempty"`
	Suppl   string `json:"suppl,omitempty"`

	ArticlePubYear string `json:"article_pub_year,omitempty" gorm:"size:4;index:idx_pid_xml_issn_e_year;index:idx_pid_xml_issn_p_year"`
	MainDOI        string `json:"main_doi,omitempty" gorm:"column:main_doi;index"`
	ElocationID    string `json:"elocation_id,omitempty" gorm:"index"`
	Fpage          string `json:"fpage,omitempty" gorm:"index"`
	FpageSeq       string `json:"fpage_seq,omitempty"`
	Lpage          string `json:"lpage,omitempty"`

	ZSurnames    string `json:"z_surnames,omitempty" gorm:"size:64;index"`
	ZCollab      string `json:"z_collab,omitempty" gorm:"size:64;index"`
	ZLinks       string `json:"z_links,omitempty" gorm:"size:64;index"`
	ZPartialBody string `json:"z_partial_body,omitempty" gorm:"size:64;index"`

	CurrentVersionID *uint      `json:"current_version_id,omitempty"`
	AvailableSince   *time.Time `json:"available_since,omitempty"`
	OriginDate       *time.Time `json:"origin_date,omitempty"`

	RegisteredInCore bool   `json:"registered_in_core" gorm:"default:false;index"`
	IsPublished      bool   `json:"is_published" gorm:"default:false"`
	Origin           string `json:"origin,omitempty"`

	Registrations int `json:"registrations" gorm:"default:0"`
	Updates       int `json:"updates" gorm:"default:0"`
	Retrievals    int `json:"retrievals" gorm:"default:0"`

	Creator string `json:"creator,omitempty"`
	Updater string `json:"updater,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Record) TableName() string {
	return "pid_provider_xmls"
}

// IsAOP meldet, ob der Datensatz noch keinem Heft zugeordnet ist.
func (r *Record) IsAOP() bool {
	return r.Volume == "" && r.Number == "" && r.Suppl == ""
}

// Pids liefert die kanonischen Werte, nach Typ geordnet.
func (r *Record) Pids() map[string]string {
	return map[string]string{
		PidTypeV3:  r.V3,
		PidTypeV2:  r.V2,
		PidTypeAOP: r.AOPPid,
	}
}

// IssuedPid ist das Ledger aller jemals vergebenen PID-Werte, kanonisch
// oder als Alias. Der eindeutige Index auf Value garantiert, dass ein Wert
// höchstens einem Datensatz gehört.
type IssuedPid struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	Value    string `json:"value" gorm:"size:23;uniqueIndex;not null"`
	Type     string `json:"type" gorm:"size:16;not null"`
	RecordID uint   `json:"record_id" gorm:"index;not null"`
}

// TableName gibt explizit den Tabellennamen an.
func (IssuedPid) TableName() string {
	return "issued_pids"
}

// PidAlias hält einen früheren PID-Wert eines Datensatzes fest.
type PidAlias struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	RecordID  uint   `json:"record_id" gorm:"index;not null"`
	Type      string `json:"type" gorm:"size:16;not null"`
	Value     string `json:"value" gorm:"size:23;index;not null"`
	VersionID *uint  `json:"version_id,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (PidAlias) TableName() string {
	return "pid_aliases"
}
