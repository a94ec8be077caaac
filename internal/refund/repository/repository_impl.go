package repository

import (
	"context"
	"time"

	"github.com/arenda-io/arenda/internal/refund/domain"
	pkgdb "github.com/arenda-io/arenda/pkg/db"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPending(ctx context.Context, db *gorm.DB, request *domain.RefundRequest) error {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO refund_requests (
			id, booking_id, requested_by, landlord_id, amount, currency,
			reason, status, landlord_note, decided_at, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM refund_requests
			WHERE booking_id = ? AND status = ?
		)`,
		request.ID,
		request.BookingID,
		request.RequestedBy,
		request.LandlordID,
		request.Amount,
		request.Currency,
		request.Reason,
		domain.StatusPending,
		request.CreatedAt,
		request.BookingID,
		domain.StatusPending,
	)
	if res.Error != nil {
		// The partial unique index on PENDING requests catches inserts racing
		// past the NOT EXISTS check.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return domain.ErrRequestPending
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRequestPending
	}
	request.Status = domain.StatusPending
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.RefundRequest, error) {
	var request domain.RefundRequest
	err := db.WithContext(ctx).Raw(
		`SELECT id, booking_id, requested_by, landlord_id, amount, currency,
			reason, status, landlord_note, decided_at, created_at
		 FROM refund_requests
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&request).Error
	if err != nil {
		return nil, err
	}
	if request.ID == 0 {
		return nil, nil
	}
	return &request, nil
}

func (r *repo) Decide(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, note string, decidedAt time.Time) (*domain.RefundRequest, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE refund_requests
		 SET status = ?, landlord_note = ?, decided_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		note,
		decidedAt,
		id,
		domain.StatusPending,
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
			return nil, domain.ErrRequestNotFound
		}
		return nil, domain.ErrRequestDecided
	}
	return r.FindByID(ctx, db, id)
}
