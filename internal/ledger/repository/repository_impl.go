package repository

import (
	"context"
	"time"

	"github.com/arenda-io/arenda/internal/ledger/domain"
	pkgdb "github.com/arenda-io/arenda/pkg/db"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPending(ctx context.Context, db *gorm.DB, record *domain.PaymentRecord) error {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_records (
			id, booking_id, user_id, amount, currency, charge_ref, state,
			completed_at, refunded_at, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM payment_records
			WHERE booking_id = ? AND state IN (?, ?, ?)
		)`,
		record.ID,
		record.BookingID,
		record.UserID,
		record.Amount,
		record.Currency,
		record.ChargeRef,
		domain.StatePending,
		record.CreatedAt,
		record.UpdatedAt,
		record.BookingID,
		domain.StatePending,
		domain.StateProcessing,
		domain.StateRequiresAction,
	)
	if res.Error != nil {
		// Two concurrent inserts can both pass the NOT EXISTS check; the
		// partial unique index on active records catches the loser.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return domain.ErrPaymentInProgress
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrPaymentInProgress
	}
	record.State = domain.StatePending
	return nil
}

func (r *repo) AssignChargeRef(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeRef string) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET charge_ref = ?, updated_at = ?
		 WHERE id = ? AND (charge_ref = '' OR charge_ref IS NULL)`,
		chargeRef,
		time.Now().UTC(),
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PaymentRecord, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByChargeRef(ctx context.Context, db *gorm.DB, chargeRef string) (*domain.PaymentRecord, error) {
	if chargeRef == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `charge_ref = ?`, chargeRef)
}

func (r *repo) FindActiveForBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, booking_id, user_id, amount, currency, charge_ref, state,
			completed_at, refunded_at, created_at, updated_at
		 FROM payment_records
		 WHERE booking_id = ? AND state IN (?, ?, ?)
		 LIMIT 1`,
		bookingID,
		domain.StatePending,
		domain.StateProcessing,
		domain.StateRequiresAction,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindLatestForBooking(ctx context.Context, db *gorm.DB, bookingID snowflake.ID) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, booking_id, user_id, amount, currency, charge_ref, state,
			completed_at, refunded_at, created_at, updated_at
		 FROM payment_records
		 WHERE booking_id = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		bookingID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, beforeID snowflake.ID, limit int) ([]*domain.PaymentRecord, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.PaymentRecord{}).
		Where("user_id = ?", userID)
	if beforeID != 0 {
		stmt = stmt.Where("id < ?", beforeID)
	}

	var records []*domain.PaymentRecord
	if err := stmt.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) FindStale(ctx context.Context, db *gorm.DB, updatedBefore time.Time, limit int) ([]*domain.PaymentRecord, error) {
	var records []*domain.PaymentRecord
	err := db.WithContext(ctx).
		Model(&domain.PaymentRecord{}).
		Where("state IN ?", []domain.PaymentState{domain.StatePending, domain.StateProcessing, domain.StateRequiresAction}).
		Where("updated_at < ?", updatedBefore).
		Where("charge_ref <> ''").
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, fromStates []domain.PaymentState, toState domain.PaymentState, fields domain.TransitionFields) (*domain.PaymentRecord, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET state = ?,
		     completed_at = COALESCE(?, completed_at),
		     refunded_at = COALESCE(?, refunded_at),
		     updated_at = ?
		 WHERE id = ? AND state IN ?`,
		toState,
		fields.CompletedAt,
		fields.RefundedAt,
		time.Now().UTC(),
		id,
		fromStates,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := r.FindByID(ctx, db, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrInvalidTransition
	}
	return r.FindByID(ctx, db, id)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, cond string, arg any) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, booking_id, user_id, amount, currency, charge_ref, state,
			completed_at, refunded_at, created_at, updated_at
		 FROM payment_records
		 WHERE `+cond+`
		 LIMIT 1`,
		arg,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}
