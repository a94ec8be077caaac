package repository

import (
	"context"
	"time"

	"github.com/arenda-io/arenda/internal/booking/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Booking, error) {
	var booking domain.Booking
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, landlord_id, total_price, currency, status,
			payment_status, created_at, updated_at
		 FROM bookings
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&booking).Error
	if err != nil {
		return nil, err
	}
	if booking.ID == 0 {
		return nil, nil
	}
	return &booking, nil
}

func (r *repo) UpdateStatuses(ctx context.Context, db *gorm.DB, id snowflake.ID, status *domain.Status, paymentStatus *domain.PaymentStatus) error {
	if status == nil && paymentStatus == nil {
		return nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE bookings
		 SET status = COALESCE(?, status),
		     payment_status = COALESCE(?, payment_status),
		     updated_at = ?
		 WHERE id = ?`,
		status,
		paymentStatus,
		time.Now().UTC(),
		id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}
