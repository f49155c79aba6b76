package services

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pid-provider/models"
)

// EventSink speichert unerwartete Fehler mit Stacktrace.
type EventSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewEventSink erstellt einen EventSink.
func NewEventSink(db *gorm.DB, logger *zap.Logger) *EventSink {
	return &EventSink{db: db, logger: logger}
}

// Record legt ein UnexpectedEvent an. Schlägt das Speichern fehl, bleibt
// nur der Log-Eintrag.
func (s *EventSink) Record(ctx context.Context, operation string, err error, detail map[string]any) *models.UnexpectedEvent {
	ev := &models.UnexpectedEvent{
		UUID:          uuid.NewString(),
		Operation:     operation,
		ExceptionType: fmt.Sprintf("%T", rootCause(err)),
		ExceptionMsg:  err.Error(),
		Traceback:     string(debug.Stack()),
	}
	if detail != nil {
		if b, mErr := json.Marshal(detail); mErr == nil {
			ev.Detail = datatypes.JSON(b)
		}
	}
	s.logger.Error("unexpected error",
		zap.String("operation", operation),
		zap.String("event_uuid", ev.UUID),
		zap.Error(err))
	if dbErr := s.db.WithContext(ctx).Create(ev).Error; dbErr != nil {
		s.logger.Error("could not store unexpected event", zap.String("event_uuid", ev.UUID), zap.Error(dbErr))
	}
	return ev
}

func rootCause(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
