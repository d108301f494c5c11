package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

// ensureQuotaRow creates the day's row from the schedule template if it does not exist.
func ensureQuotaRow(ctx context.Context, tx *sql.Tx, scheduleID, serviceDate string, defaultTotal int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quotas (schedule_id, service_date, total_quota, used_quota)
		SELECT schedule_id, ?, CASE WHEN daily_quota > 0 THEN daily_quota ELSE ? END, 0
		FROM schedules
		WHERE schedule_id = ?
		ON CONFLICT (schedule_id, service_date) DO NOTHING
	`, serviceDate, defaultTotal, scheduleID)
	return err
}

func reserveQuota(ctx context.Context, tx *sql.Tx, scheduleID, serviceDate string, defaultTotal int) (models.Quota, error) {
	if err := ensureQuotaRow(ctx, tx, scheduleID, serviceDate, defaultTotal); err != nil {
		return models.Quota{}, err
	}
	quota := models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
	err := tx.QueryRowContext(ctx, `
		UPDATE quotas SET used_quota = used_quota + 1
		WHERE schedule_id = ? AND service_date = ? AND used_quota < total_quota
		RETURNING total_quota, used_quota
	`, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := loadQuota(ctx, tx, scheduleID, serviceDate); err != nil {
				return models.Quota{}, err
			}
			return models.Quota{}, store.ErrQuotaExhausted
		}
		return models.Quota{}, err
	}
	return quota, nil
}

func releaseQuota(ctx context.Context, tx *sql.Tx, scheduleID, serviceDate string, defaultTotal int) (models.Quota, error) {
	quota := models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
	err := tx.QueryRowContext(ctx, `
		UPDATE quotas SET used_quota = used_quota - 1
		WHERE schedule_id = ? AND service_date = ? AND used_quota > 0
		RETURNING total_quota, used_quota
	`, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quotaOrDefault(ctx, tx, scheduleID, serviceDate, defaultTotal)
		}
		return models.Quota{}, err
	}
	return quota, nil
}

// loadQuota returns store.ErrScheduleNotFound when the schedule has no row for the date.
func loadQuota(ctx context.Context, q queryer, scheduleID, serviceDate string) (models.Quota, error) {
	quota := models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
	err := q.QueryRowContext(ctx, `
		SELECT total_quota, used_quota FROM quotas WHERE schedule_id = ? AND service_date = ?
	`, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if err := q.QueryRowContext(ctx, `SELECT daily_quota FROM schedules WHERE schedule_id = ?`, scheduleID).Scan(&dailyQuota); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	return quotaOrDefault(ctx, s.db, scheduleID, serviceDate, s.options.DefaultDailyQuota)
}

func (s *Store) ReserveQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error) {
	var quota models.Quota
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		quota, err = reserveQuota(ctx, tx, scheduleID, serviceDate, s.options.DefaultDailyQuota)
		return err
	})
	return quota, err
}

func (s *Store) ReleaseQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error) {
	var quota models.Quota
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		quota, err = releaseQuota(ctx, tx, scheduleID, serviceDate, s.options.DefaultDailyQuota)
		return err
	})
	return quota, err
}

// SetQuotaTotal overrides the day's capacity. It never goes below what is already used.
func (s *Store) SetQuotaTotal(ctx context.Context, scheduleID, serviceDate string, total int) (models.Quota, error) {
	if total < 0 {
		return models.Quota{}, store.ErrQuotaBelowUsed
	}
	var quota models.Quota
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureQuotaRow(ctx, tx, scheduleID, serviceDate, s.options.DefaultDailyQuota); err != nil {
			return err
		}
		current, err := loadQuota(ctx, tx, scheduleID, serviceDate)
		if err != nil {
			return err
		}
		if total < current.UsedQuota {
			return store.ErrQuotaBelowUsed
		}
		quota = models.Quota{ScheduleID: scheduleID, ServiceDate: serviceDate}
		return tx.QueryRowContext(ctx, `
			UPDATE quotas SET total_quota = ?
			WHERE schedule_id = ? AND service_date = ?
			RETURNING total_quota, used_quota
		`, total, scheduleID, serviceDate).Scan(&quota.TotalQuota, &quota.UsedQuota)
	})
	if err != nil {
		return models.Quota{}, err
	}
	return quota, nil
}
