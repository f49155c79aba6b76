package models

import "gorm.io/gorm"

// All listet alle Tabellen für die Auto-Migration.
func All() []any {
	return []any{
		&Record{},
		&IssuedPid{},
		&PidAlias{},
		&XMLVersion{},
		&TimelineEntry{},
		&TimelineEvent{},
		&FetchRecord{},
		&UnexpectedEvent{},
		&BadRequest{},
	}
}

// Migrate legt die Tabellen an bzw. passt sie an.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(All()...)
}

// TableNames liefert die Tabellennamen aller Modelle in Migrationsreihenfolge.
func TableNames() []string {
	var names []string
	for _, m := range All() {
		if t, ok := m.(interface{ TableName() string }); ok {
			names = append(names, t.TableName())
		}
	}
	return names
}
