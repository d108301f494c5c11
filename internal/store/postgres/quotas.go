package postgres

import (
	"context"
	"errors"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/jackc/pgx/v5"
)

func ensureQuotaRow(ctx context.Context, tx pgx.Tx, scheduleID, serviceDate string, defaultTotal int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO quotas (schedule_id, service_date, total_quota, used_quota)
		SELECT schedule_id, $1::date, CASE WHEN daily_quota > 0 THEN daily_quota ELSE $2::int END, 0
		FROM schedules
		WHERE schedule_id = $3
		ON CONFLICT (schedule_id, service_date) DO NOTHING
	`, serviceDate, defaultTotal, scheduleID)
	return err
}

// reserveQuota relies on the row lock taken by the conditional update, so
// concurrent reservations queue behind each other and used never passes total.
func reserveQuota(ctx context.Context, tx pgx.Tx, scheduleID, serviceDate string, defaultTotal int) (models.Quota, error) {
	if err := ensureQuotaRow(ctx, tx, scheduleID, serviceDate, defaultTotal); err != nil {
		return models.Quota{}, err
	}
	quota := models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
	err := tx.QueryRow(ctx, `
		UPDATE quotas SET used_quota = used_quota + 1
		WHERE schedule_id = $1 AND service_date = $2 AND used_quota < total_quota
		RETURNING total_quota, used_quota
	`, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := loadQuota(ctx, tx, scheduleID, serviceDate); err != nil {
				return models.Quota{}, err
			}
			return models.Quota{}, store.ErrQuotaExhausted
		}
		return models.Quota{}, err
	}
	return quota, nil
}

func releaseQuota(ctx context.Context, tx pgx.Tx, scheduleID, serviceDate string, defaultTotal int) (models.Quota, error) {
	quota := models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
	err := tx.QueryRow(ctx, `
		UPDATE quotas SET used_quota = used_quota - 1
		WHERE schedule_id = $1 AND service_date = $2 AND used_quota > 0
		RETURNING total_quota, used_quota
	`, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quotaOrDefault(ctx, tx, scheduleID, serviceDate, defaultTotal)
		}
		return models.Quota{}, err
	}
	return quota, nil
}

func loadQuota(ctx context.Context, q queryer, scheduleID, serviceDate string) (models.Quota, error) {
	quota := models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
	err := q.QueryRow(ctx, `
		SELECT total_quota, used_quota FROM quotas WHERE schedule_id = $1 AND service_date = $2
	`, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Quota{}, store.ErrScheduleNotFound
		}
		return models.Quota{}, err
	}
	return quota, nil
}

func quotaOrDefault(ctx context.Context, q queryer, scheduleID, serviceDate string, defaultTotal int) (models.Quota, error) {
	quota, err := loadQuota(ctx, q, scheduleID, serviceDate)
	if err == nil {
		return quota, nil
	}
	if !errors.Is(err, store.ErrScheduleNotFound) {
		return models.Quota{}, err
	}
	var dailyQuota int
	if err := q.QueryRow(ctx, `SELECT daily_quota FROM schedules WHERE schedule_id = $1`, scheduleID).Scan(&dailyQuota); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Quota{}, store.ErrScheduleNotFound
		}
		return models.Quota{}, err
	}
	if dailyQuota <= 0 {
		dailyQuota = defaultTotal
	}
	return models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate, TotalQuota: dailyQuota}, nil
}

func (s *Store) GetQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error) {
	if !validUUID(scheduleID) {
		return models.Quota{}, store.ErrScheduleNotFound
	}
	return quotaOrDefault(ctx, s.pool, scheduleID, serviceDate, s.options.DefaultDailyQuota)
}

func (s *Store) ReserveQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error) {
	if !validUUID(scheduleID) {
		return models.Quota{}, store.ErrScheduleNotFound
	}
	var quota models.Quota
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		quota, err = reserveQuota(ctx, tx, scheduleID, serviceDate, s.options.DefaultDailyQuota)
		return err
	})
	return quota, err
}

func (s *Store) ReleaseQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error) {
	if !validUUID(scheduleID) {
		return models.Quota{}, store.ErrScheduleNotFound
	}
	var quota models.Quota
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		quota, err = releaseQuota(ctx, tx, scheduleID, serviceDate, s.options.DefaultDailyQuota)
		return err
	})
	return quota, err
}

func (s *Store) SetQuotaTotal(ctx context.Context, scheduleID, serviceDate string, total int) (models.Quota, error) {
	if total < 0 {
		return models.Quota{}, store.ErrQuotaBelowUsed
	}
	if !validUUID(scheduleID) {
		return models.Quota{}, store.ErrScheduleNotFound
	}
	var quota models.Quota
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := ensureQuotaRow(ctx, tx, scheduleID, serviceDate, s.options.DefaultDailyQuota); err != nil {
			return err
		}
		quota = models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
		err := tx.QueryRow(ctx, `
			UPDATE quotas SET total_quota = $1
			WHERE schedule_id = $2 AND service_date = $3 AND used_quota <= $1
			RETURNING total_quota, used_quota
		`, total, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := loadQuota(ctx, tx, scheduleID, serviceDate); err != nil {
				return err
			}
			return store.ErrQuotaBelowUsed
		}
		return err
	})
	if err != nil {
		return models.Quota{}, err
	}
	return quota, nil
}
