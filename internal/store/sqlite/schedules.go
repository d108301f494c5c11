package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	if doctor.DoctorID == "" {
		doctor.DoctorID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doctors (doctor_id, name, active) VALUES (?, ?, ?)
	`, doctor.DoctorID, doctor.Name, doctor.Active)
	if err != nil {
		return models.Doctor{}, err
	}
	return doctor, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	var doctor models.Doctor
	err := s.db.QueryRowContext(ctx, `SELECT doctor_id, name, active FROM doctors WHERE doctor_id = ?`, doctorID).
		Scan(&doctor.DoctorID, &doctor.Name, &doctor.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, err
	}
	return doctor, nil
}

func (s *Store) CreateService(ctx context.Context, service models.Service) (models.Service, error) {
	if service.ServiceID == "" {
		service.ServiceID = uuid.NewString()
	}
	service.Code = strings.ToUpper(strings.TrimSpace(service.Code))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (service_id, name, code, avg_minutes, active) VALUES (?, ?, ?, ?, ?)
	`, service.ServiceID, service.Name, service.Code, service.AvgMinutes, service.Active)
	if err != nil {
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	var service models.Service
	err := s.db.QueryRowContext(ctx, `
		SELECT service_id, name, code, avg_minutes, active FROM services WHERE service_id = ?
	`, serviceID).Scan(&service.ServiceID, &service.Name, &service.Code, &service.AvgMinutes, &service.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, name, code, avg_minutes, active FROM services ORDER BY code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var service models.Service
		if err := rows.Scan(&service.ServiceID, &service.Name, &service.Code, &service.AvgMinutes, &service.Active); err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

const scheduleColumns = `schedule_id, doctor_id, service_id, weekdays, start_time, end_time, daily_quota, active, created_at`

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var schedule models.Schedule
	var weekdays int
	var createdAt int64
	if err := row.Scan(&schedule.ScheduleID, &schedule.DoctorID, &schedule.ServiceID, &weekdays,
		&schedule.StartTime, &schedule.EndTime, &schedule.DailyQuota, &schedule.Active, &createdAt); err != nil {
		return models.Schedule{}, err
	}
	schedule.Weekdays = models.WeekdaySet(weekdays)
	schedule.CreatedAt = fromMillis(createdAt)
	return schedule, nil
}

func querySchedules(ctx context.Context, q queryer, query string, args ...any) ([]models.Schedule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []models.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

// CreateSchedule rejects a schedule that overlaps an active one for the same doctor and service.
func (s *Store) CreateSchedule(ctx context.Context, input store.CreateScheduleInput) (models.Schedule, error) {
	schedule := models.Schedule{
		ScheduleID: uuid.NewString(),
		DoctorID:   input.DoctorID,
		ServiceID:  input.ServiceID,
		Weekdays:   input.Weekdays,
		StartTime:  strings.TrimSpace(input.StartTime),
		EndTime:    strings.TrimSpace(input.EndTime),
		DailyQuota: input.DailyQuota,
		Active:     true,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, _, err := schedule.Window(); err != nil {
		return models.Schedule{}, err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var doctorID string
		if err := tx.QueryRowContext(ctx, `SELECT doctor_id FROM doctors WHERE doctor_id = ?`, input.DoctorID).Scan(&doctorID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrDoctorNotFound
			}
			return err
		}
		var serviceID string
		if err := tx.QueryRowContext(ctx, `SELECT service_id FROM services WHERE service_id = ?`, input.ServiceID).Scan(&serviceID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrServiceNotFound
			}
			return err
		}

		existing, err := querySchedules(ctx, tx, `SELECT `+scheduleColumns+` FROM schedules
			WHERE doctor_id = ? AND service_id = ? AND active = 1`, input.DoctorID, input.ServiceID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if schedule.Overlaps(other) {
				return store.ErrScheduleConflict
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, schedule.ScheduleID, schedule.DoctorID, schedule.ServiceID, int(schedule.Weekdays), schedule.StartTime,
			schedule.EndTime, schedule.DailyQuota, schedule.Active, toMillis(schedule.CreatedAt))
		return err
	})
	if err != nil {
		return models.Schedule{}, err
	}
	return schedule, nil
}

func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (models.Schedule, error) {
	schedule, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = ?`, scheduleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Schedule{}, store.ErrScheduleNotFound
		}
		return models.Schedule{}, err
	}
	return schedule, nil
}

func (s *Store) ListSchedules(ctx context.Context, doctorID string) ([]models.Schedule, error) {
	if doctorID == "" {
		return querySchedules(ctx, s.db, `SELECT `+scheduleColumns+` FROM schedules ORDER BY doctor_id, start_time`)
	}
	return querySchedules(ctx, s.db, `SELECT `+scheduleColumns+` FROM schedules WHERE doctor_id = ? ORDER BY start_time`, doctorID)
}

func (s *Store) DeactivateSchedule(ctx context.Context, scheduleID string) (models.Schedule, error) {
	schedule, err := scanSchedule(s.db.QueryRowContext(ctx, `
		UPDATE schedules SET active = 0 WHERE schedule_id = ? RETURNING `+scheduleColumns, scheduleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Schedule{}, store.ErrScheduleNotFound
		}
		return models.Schedule{}, err
	}
	return schedule, nil
}

func (s *Store) FindActiveSchedules(ctx context.Context, doctorID, serviceID string, day time.Weekday) ([]models.Schedule, error) {
	return querySchedules(ctx, s.db, `SELECT `+scheduleColumns+` FROM schedules
		WHERE doctor_id = ? AND service_id = ? AND active = 1 AND (weekdays & ?) != 0
		ORDER BY start_time`, doctorID, serviceID, int(models.NewWeekdaySet(day)))
}
