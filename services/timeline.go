package services

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pid-provider/models"
)

// Timeline schreibt das Ereignisprotokoll je (Paket, Prozedur).
type Timeline struct {
	logger *zap.Logger
}

// NewTimeline erstellt eine Timeline.
func NewTimeline(logger *zap.Logger) *Timeline {
	return &Timeline{logger: logger}
}

// Entry liefert den Eintrag zu (pkgName, procedure) und legt ihn bei Bedarf an.
func (t *Timeline) Entry(ctx context.Context, db *gorm.DB, pkgName, procedure string) (*models.TimelineEntry, error) {
	entry := models.TimelineEntry{PkgName: pkgName, Procedure: procedure}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pkg_name"}, {Name: "procedure_name"}},
			DoNothing: true,
		}).
		Create(&entry)
	if res.Error != nil {
		return nil, fmt.Errorf("creating timeline entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		entry = models.TimelineEntry{}
		if err := db.WithContext(ctx).Where("pkg_name = ? AND procedure_name = ?", pkgName, procedure).First(&entry).Error; err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

// Append hängt ein Ereignis an. Ein Fehler beim Serialisieren von detail
// wird im Ereignis selbst vermerkt.
func (t *Timeline) Append(ctx context.Context, db *gorm.DB, entry *models.TimelineEntry, name string, detail any, eventErr error) error {
	ev := models.TimelineEvent{EntryID: entry.ID, Name: name}
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			t.logger.Warn("timeline detail not serializable", zap.String("event", name), zap.Error(err))
			b, _ = json.Marshal(map[string]string{"detail_error": err.Error()})
		}
		ev.Detail = datatypes.JSON(b)
	}
	if eventErr != nil {
		ev.Error = eventErr.Error()
		if ev.Detail == nil {
			b, _ := json.Marshal(map[string]string{"error_type": ErrorType(eventErr)})
			ev.Detail = datatypes.JSON(b)
		}
	}
	if err := db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("appending timeline event %s: %w", name, err)
	}
	return nil
}

// Events liefert alle Ereignisse zu (pkgName, procedure) in Reihenfolge.
func (t *Timeline) Events(ctx context.Context, db *gorm.DB, pkgName, procedure string) ([]models.TimelineEvent, error) {
	var events []models.TimelineEvent
	err := db.WithContext(ctx).
		Select("timeline_events.*").
		Joins("JOIN timeline_entries ON timeline_entries.id = timeline_events.entry_id").
		Where("timeline_entries.pkg_name = ? AND timeline_entries.procedure_name = ?", pkgName, procedure).
		Order("timeline_events.id").
		Find(&events).Error
	return events, err
}
