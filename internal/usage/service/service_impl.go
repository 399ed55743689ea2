package service

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		metrics: p.Metrics,
	}
}

// Record writes the batch inside one transaction. Each row carries an
// ON CONFLICT DO NOTHING on the (id, timestamp) identity so redeliveries are
// absorbed; only genuinely new rows come back to the caller. New rows also
// get an outbox entry in the same transaction, so the pending change record
// survives a stream failure after commit. Any write error rolls back the
// whole batch.
func (s *Service) Record(ctx context.Context, events []usagedomain.UsageEvent) ([]usagedomain.UsageEvent, error) {
	if s.db == nil {
		return nil, errors.New("missing_db")
	}
	if len(events) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	inserted := make([]usagedomain.UsageEvent, 0, len(events))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range events {
			if events[i].CreatedAt.IsZero() {
				events[i].CreatedAt = now
			}
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}, {Name: "timestamp"}},
				DoNothing: true,
			}).Create(&events[i])
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			inserted = append(inserted, events[i])

			outbox := usagedomain.ChangeOutbox{
				EventID:        events[i].ID,
				EventTimestamp: events[i].Timestamp,
				CreatedAt:      now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "event_id"}, {Name: "event_timestamp"}},
				DoNothing: true,
			}).Create(&outbox).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(inserted) < len(events) {
		ctxlogger.WithContext(ctx, s.log).Debug("skipped redelivered events",
			zap.Int("received", len(events)),
			zap.Int("inserted", len(inserted)),
		)
	}
	if s.metrics != nil {
		s.metrics.AddEventsIngested(len(inserted))
	}

	return inserted, nil
}

func (s *Service) PendingChanges(ctx context.Context, limit int) ([]usagedomain.UsageEvent, error) {
	if s.db == nil {
		return nil, errors.New("missing_db")
	}
	if limit <= 0 {
		limit = 100
	}

	var events []usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Joins("JOIN usage_change_outbox ON usage_change_outbox.event_id = usage_events.id AND usage_change_outbox.event_timestamp = usage_events.timestamp").
		Order("usage_change_outbox.created_at asc, usage_events.id asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) ClearChange(ctx context.Context, eventID, eventTimestamp string) error {
	if s.db == nil {
		return errors.New("missing_db")
	}
	return s.db.WithContext(ctx).
		Where("event_id = ? AND event_timestamp = ?", eventID, eventTimestamp).
		Delete(&usagedomain.ChangeOutbox{}).Error
}
