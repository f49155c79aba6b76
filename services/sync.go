package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"pid-provider/metrics"
	"pid-provider/models"
	"pid-provider/providers"
)

// CoreSync reicht Datensätze, die dem zentralen Provider noch nicht
// bekannt sind, an ihn weiter.
type CoreSync struct {
	provider *Provider
	upstream providers.Upstream
	logger   *zap.Logger
}

// NewCoreSync erstellt einen CoreSync.
func NewCoreSync(provider *Provider, upstream providers.Upstream, logger *zap.Logger) *CoreSync {
	return &CoreSync{provider: provider, upstream: upstream, logger: logger}
}

// Run überträgt bis zu limit Datensätze und liefert die Anzahl der
// nun synchronisierten.
func (s *CoreSync) Run(ctx context.Context, limit int) (int, error) {
	db := s.provider.DB()
	var pending []models.Record
	err := db.WithContext(ctx).
		Where("registered_in_core = ?", false).
		Order("id").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	synced := 0
	for i := range pending {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		ok, err := s.push(ctx, &pending[i])
		if err != nil {
			metrics.CoreSyncs.WithLabelValues("error").Inc()
			s.logger.Warn("core sync fehlgeschlagen", zap.String("v3", pending[i].V3), zap.Error(err))
			continue
		}
		if ok {
			synced++
		}
	}
	s.logger.Info("core sync abgeschlossen",
		zap.String("upstream", s.upstream.Name()),
		zap.Int("pending", len(pending)),
		zap.Int("synced", synced))
	return synced, nil
}

func (s *CoreSync) push(ctx context.Context, rec *models.Record) (bool, error) {
	content, version, err := s.provider.CurrentXML(ctx, rec.V3)
	if errors.Is(err, ErrNoVersion) {
		metrics.CoreSyncs.WithLabelValues("no_version").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	filename := version.Filename
	if filename == "" {
		filename = rec.PkgName
	}

	results, err := s.upstream.Register(ctx, filename, content)
	if err != nil {
		return false, err
	}
	for _, r := range results {
		if r.Failed() {
			metrics.CoreSyncs.WithLabelValues("rejected").Inc()
			s.logger.Warn("core hat XML abgelehnt",
				zap.String("v3", rec.V3),
				zap.String("error_type", r.ErrorType),
				zap.String("error_message", r.ErrorMessage))
			return false, nil
		}
		if r.V3 != "" && (r.V3 != rec.V3 || r.V2 != rec.V2) {
			metrics.CoreSyncs.WithLabelValues("mismatch").Inc()
			s.logger.Warn("core liefert abweichende PIDs",
				zap.String("v3", rec.V3), zap.String("core_v3", r.V3),
				zap.String("v2", rec.V2), zap.String("core_v2", r.V2))
			return false, nil
		}
	}
	if len(results) == 0 {
		metrics.CoreSyncs.WithLabelValues("empty").Inc()
		return false, nil
	}

	err = s.provider.DB().WithContext(ctx).Model(&models.Record{}).
		Where("id = ?", rec.ID).
		UpdateColumn("registered_in_core", true).Error
	if err != nil {
		return false, err
	}
	metrics.CoreSyncs.WithLabelValues("synced").Inc()
	return true, nil
}
