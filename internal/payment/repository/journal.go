package repository

import (
	"context"
	"time"

	"github.com/arenda-io/arenda/internal/payment/domain"
	pkgdb "github.com/arenda-io/arenda/pkg/db"
	"gorm.io/gorm"
)

type journal struct{}

func ProvideJournal() domain.JournalRepository {
	return &journal{}
}

func (j *journal) Insert(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (*domain.EventRecord, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO gateway_events (
			id, provider, provider_event_id, event_type, charge_ref, payload,
			received_at, processed_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM gateway_events WHERE provider_event_id = ?
		)`,
		record.ID,
		record.Provider,
		record.ProviderEventID,
		record.EventType,
		record.ChargeRef,
		record.Payload,
		record.ReceivedAt,
		record.ProviderEventID,
	)
	if res.Error != nil {
		// Concurrent deliveries of the same event can both pass the NOT
		// EXISTS check; the unique index on provider_event_id catches the
		// loser.
		if !pkgdb.IsDuplicateKeyErr(res.Error) {
			return nil, res.Error
		}
	} else if res.RowsAffected > 0 {
		return nil, nil
	}
	return j.findByProviderEventID(ctx, db, record.ProviderEventID)
}

func (j *journal) findByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*domain.EventRecord, error) {
	var record domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, charge_ref,
			payload, received_at, processed_at
		 FROM gateway_events
		 WHERE provider_event_id = ?
		 LIMIT 1`,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (j *journal) MarkProcessed(ctx context.Context, db *gorm.DB, providerEventID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE gateway_events SET processed_at = ? WHERE provider_event_id = ?`,
		at,
		providerEventID,
	).Error
}
