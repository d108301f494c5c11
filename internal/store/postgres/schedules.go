package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	if doctor.DoctorID == "" {
		doctor.DoctorID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO doctors (doctor_id, name, active) VALUES ($1, $2, $3)
	`, doctor.DoctorID, doctor.Name, doctor.Active)
	if err != nil {
		return models.Doctor{}, err
	}
	return doctor, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	if !validUUID(doctorID) {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	var doctor models.Doctor
	err := s.pool.QueryRow(ctx, `SELECT doctor_id::text, name, active FROM doctors WHERE doctor_id = $1`, doctorID).
		Scan(&doctor.DoctorID, &doctor.Name, &doctor.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (service_id, name, code, avg_minutes, active) VALUES ($1, $2, $3, $4, $5)
	`, service.ServiceID, service.Name, service.Code, service.AvgMinutes, service.Active)
	if err != nil {
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	if !validUUID(serviceID) {
		return models.Service{}, store.ErrServiceNotFound
	}
	var service models.Service
	err := s.pool.QueryRow(ctx, `
		SELECT service_id::text, name, code, avg_minutes, active FROM services WHERE service_id = $1
	`, serviceID).Scan(&service.ServiceID, &service.Name, &service.Code, &service.AvgMinutes, &service.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id::text, name, code, avg_minutes, active FROM services ORDER BY code ASC
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

const scheduleColumns = `schedule_id::text, doctor_id::text, service_id::text, weekdays, start_time, end_time,
	daily_quota, active, created_at`

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var schedule models.Schedule
	var weekdays int16
	if err := row.Scan(&schedule.ScheduleID, &schedule.DoctorID, &schedule.ServiceID, &weekdays,
		&schedule.StartTime, &schedule.EndTime, &schedule.DailyQuota, &schedule.Active, &schedule.CreatedAt); err != nil {
		return models.Schedule{}, err
	}
	schedule.Weekdays = models.WeekdaySet(weekdays)
	schedule.CreatedAt = schedule.CreatedAt.UTC()
	return schedule, nil
}

func querySchedules(ctx context.Context, q queryer, query string, args ...any) ([]models.Schedule, error) {
	rows, err := q.Query(ctx, query, args...)
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

// CreateSchedule holds an advisory lock on the doctor and service pair while it
// checks for overlaps, so two concurrent creates cannot both pass the check.
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
		CreatedAt:  pgTime(time.Now()),
	}
	if _, _, err := schedule.Window(); err != nil {
		return models.Schedule{}, err
	}
	if !validUUID(input.DoctorID) {
		return models.Schedule{}, store.ErrDoctorNotFound
	}
	if !validUUID(input.ServiceID) {
		return models.Schedule{}, store.ErrServiceNotFound
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "schedule:"+input.DoctorID+":"+input.ServiceID); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM doctors WHERE doctor_id = $1)`, input.DoctorID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrDoctorNotFound
		}
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM services WHERE service_id = $1)`, input.ServiceID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrServiceNotFound
		}

		existing, err := querySchedules(ctx, tx, `SELECT `+scheduleColumns+` FROM schedules
			WHERE doctor_id = $1 AND service_id = $2 AND active`, input.DoctorID, input.ServiceID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if schedule.Overlaps(other) {
				return store.ErrScheduleConflict
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO schedules (schedule_id, doctor_id, service_id, weekdays, start_time, end_time, daily_quota, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, schedule.ScheduleID, schedule.DoctorID, schedule.ServiceID, int16(schedule.Weekdays), schedule.StartTime,
			schedule.EndTime, schedule.DailyQuota, schedule.Active, schedule.CreatedAt)
		return err
	})
	if err != nil {
		return models.Schedule{}, err
	}
	return schedule, nil
}

func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (models.Schedule, error) {
	if !validUUID(scheduleID) {
		return models.Schedule{}, store.ErrScheduleNotFound
	}
	schedule, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = $1`, scheduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Schedule{}, store.ErrScheduleNotFound
		}
		return models.Schedule{}, err
	}
	return schedule, nil
}

func (s *Store) ListSchedules(ctx context.Context, doctorID string) ([]models.Schedule, error) {
	if doctorID == "" {
		return querySchedules(ctx, s.pool, `SELECT `+scheduleColumns+` FROM schedules ORDER BY doctor_id, start_time`)
	}
	if !validUUID(doctorID) {
		return nil, nil
	}
	return querySchedules(ctx, s.pool, `SELECT `+scheduleColumns+` FROM schedules WHERE doctor_id = $1 ORDER BY start_time`, doctorID)
}

func (s *Store) DeactivateSchedule(ctx context.Context, scheduleID string) (models.Schedule, error) {
	if !validUUID(scheduleID) {
		return models.Schedule{}, store.ErrScheduleNotFound
	}
	schedule, err := scanSchedule(s.pool.QueryRow(ctx, `
		UPDATE schedules SET active = FALSE WHERE schedule_id = $1 RETURNING `+scheduleColumns, scheduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Schedule{}, store.ErrScheduleNotFound
		}
		return models.Schedule{}, err
	}
	return schedule, nil
}

func (s *Store) FindActiveSchedules(ctx context.Context, doctorID, serviceID string, day time.Weekday) ([]models.Schedule, error) {
	if !validUUID(doctorID) || !validUUID(serviceID) {
		return nil, nil
	}
	return querySchedules(ctx, s.pool, `SELECT `+scheduleColumns+` FROM schedules
		WHERE doctor_id = $1 AND service_id = $2 AND active AND (weekdays & $3::smallint) <> 0
		ORDER BY start_time`, doctorID, serviceID, int16(models.NewWeekdaySet(day)))
}
