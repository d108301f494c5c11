package queue

import (
	"context"
	"fmt"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

func (s *Service) CreateDoctor(ctx context.Context, name string) (models.Doctor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Doctor{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return s.store.CreateDoctor(ctx, models.Doctor{Name: name, Active: true})
}

func (s *Service) CreateService(ctx context.Context, service models.Service) (models.Service, error) {
	service.Name = strings.TrimSpace(service.Name)
	service.Code = strings.TrimSpace(service.Code)
	if service.Name == "" || service.Code == "" {
		return models.Service{}, fmt.Errorf("%w: name and code are required", ErrInvalidInput)
	}
	if service.AvgMinutes < 0 {
		return models.Service{}, fmt.Errorf("%w: avg_minutes must not be negative", ErrInvalidInput)
	}
	service.ServiceID = ""
	service.Active = true
	return s.store.CreateService(ctx, service)
}

func (s *Service) ListServices(ctx context.Context) ([]models.Service, error) {
	return s.store.ListServices(ctx)
}

func (s *Service) CreateSchedule(ctx context.Context, input store.CreateScheduleInput) (models.Schedule, error) {
	if input.Weekdays == 0 {
		return models.Schedule{}, fmt.Errorf("%w: weekdays are required", ErrInvalidInput)
	}
	if input.DailyQuota < 0 {
		return models.Schedule{}, fmt.Errorf("%w: daily_quota must not be negative", ErrInvalidInput)
	}
	probe := models.Schedule{StartTime: input.StartTime, EndTime: input.EndTime}
	if _, _, err := probe.Window(); err != nil {
		return models.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	schedule, err := s.store.CreateSchedule(ctx, input)
	if err != nil {
		return models.Schedule{}, err
	}
	s.logger.Info("schedule created", "schedule_id", schedule.ScheduleID, "doctor_id", schedule.DoctorID, "start", schedule.StartTime, "end", schedule.EndTime)
	return schedule, nil
}

func (s *Service) ListSchedules(ctx context.Context, doctorID string) ([]models.Schedule, error) {
	return s.store.ListSchedules(ctx, doctorID)
}

func (s *Service) DeactivateSchedule(ctx context.Context, scheduleID string) (models.Schedule, error) {
	return s.store.DeactivateSchedule(ctx, scheduleID)
}

func (s *Service) GetQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error) {
	if serviceDate == "" {
		serviceDate = s.Today()
	}
	if _, err := s.parseDate(serviceDate); err != nil {
		return models.Quota{}, err
	}
	if _, err := s.store.GetSchedule(ctx, scheduleID); err != nil {
		return models.Quota{}, err
	}
	return s.store.GetQuota(ctx, scheduleID, serviceDate)
}

// SetQuota changes the day's capacity. It never drops below what is already used.
func (s *Service) SetQuota(ctx context.Context, scheduleID, serviceDate string, total int) (models.Quota, error) {
	if total < 0 {
		return models.Quota{}, fmt.Errorf("%w: total must not be negative", ErrInvalidInput)
	}
	if _, err := s.parseDate(serviceDate); err != nil {
		return models.Quota{}, err
	}
	if _, err := s.store.GetSchedule(ctx, scheduleID); err != nil {
		return models.Quota{}, err
	}
	quota, err := s.store.SetQuotaTotal(ctx, scheduleID, serviceDate, total)
	if err != nil {
		return models.Quota{}, err
	}
	s.logger.Info("quota updated", "schedule_id", scheduleID, "date", serviceDate, "total", quota.TotalQuota, "used", quota.UsedQuota)
	return quota, nil
}

// CreatePatient registers a patient or returns the one holding the identifier.
func (s *Service) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error) {
	input.Identifier = strings.TrimSpace(input.Identifier)
	if input.Identifier == "" {
		return models.Patient{}, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	patient, created, err := s.store.CreatePatient(ctx, input)
	if err != nil {
		return models.Patient{}, err
	}
	if created {
		s.logger.Debug("patient registered", "patient_id", patient.PatientID)
	}
	return patient, nil
}

func (s *Service) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	return s.store.GetPatient(ctx, patientID)
}

func (s *Service) FindPatient(ctx context.Context, identifier string) (models.Patient, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return models.Patient{}, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	return s.store.FindPatientByIdentifier(ctx, identifier)
}

// EntryEvents returns the audit chain of an entry after verifying its hashes.
func (s *Service) EntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	if _, err := s.store.GetEntry(ctx, entryID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEntryEvents(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if err := store.VerifyEntryEvents(events); err != nil {
		s.logger.Error("entry audit chain broken", "entry_id", entryID, "err", err)
		return nil, err
	}
	return events, nil
}
