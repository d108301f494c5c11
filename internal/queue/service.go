// Package queue coordinates the quota ledger, the sequencer and the estimator
// behind the operations staff and patients call.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/estimator"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/telemetry"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidInput wraps request validation failures.
var ErrInvalidInput = errors.New("invalid input")

type Options struct {
	Location        *time.Location
	DefaultDuration time.Duration
	HistoryWindow   time.Duration
	Now             func() time.Time
}

// BoardPublisher receives a fresh board after every recompute.
type BoardPublisher interface {
	PublishBoard(ctx context.Context, board models.Board)
}

type Service struct {
	store     store.Store
	logger    *log.Logger
	options   Options
	publisher BoardPublisher
	steps     []Step
	tracer    trace.Tracer
}

func NewService(st store.Store, logger *log.Logger, options Options) *Service {
	if options.Location == nil {
		options.Location = time.UTC
	}
	if options.DefaultDuration <= 0 {
		options.DefaultDuration = estimator.DefaultDuration
	}
	if options.HistoryWindow <= 0 {
		options.HistoryWindow = 30 * 24 * time.Hour
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	s := &Service{store: st, logger: logger, options: options, tracer: telemetry.Tracer()}
	s.steps = DefaultSteps(s)
	return s
}

// SetPublisher attaches the board fan-out. Nil disables broadcasting.
func (s *Service) SetPublisher(publisher BoardPublisher) {
	s.publisher = publisher
}

func (s *Service) now() time.Time {
	return s.options.Now().UTC()
}

// Today is the current service date in the clinic's time zone.
func (s *Service) Today() string {
	return s.options.Now().In(s.options.Location).Format(models.DateLayout)
}

func (s *Service) parseDate(raw string) (time.Time, error) {
	date, err := models.ParseDate(strings.TrimSpace(raw), s.options.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	return date, nil
}

type CreateEntryRequest struct {
	RequestID   string
	DoctorID    string
	ServiceID   string
	PatientID   string
	Patient     *store.CreatePatientInput
	ServiceDate string
	Complaint   string
}

// CreateEntry resolves the day's schedule, then reserves quota and allocates
// the sequence number atomically in the store. created is false on a replayed
// request id.
func (s *Service) CreateEntry(ctx context.Context, req CreateEntryRequest) (models.QueueEntry, bool, error) {
	ctx, span := s.tracer.Start(ctx, "queue.create_entry")
	defer span.End()

	if req.ServiceDate == "" {
		req.ServiceDate = s.Today()
	}
	date, err := s.parseDate(req.ServiceDate)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	doctor, err := s.store.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if !doctor.Active {
		return models.QueueEntry{}, false, store.ErrDoctorNotFound
	}
	service, err := s.store.GetService(ctx, req.ServiceID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if !service.Active {
		return models.QueueEntry{}, false, store.ErrServiceNotFound
	}

	schedules, err := s.store.FindActiveSchedules(ctx, doctor.DoctorID, service.ServiceID, date.Weekday())
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	switch len(schedules) {
	case 0:
		return models.QueueEntry{}, false, store.ErrNoSchedule
	case 1:
	default:
		return models.QueueEntry{}, false, store.ErrScheduleConflict
	}

	patientID, err := s.resolvePatient(ctx, req)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	entry, created, err := s.store.CreateEntry(ctx, store.CreateEntryInput{
		RequestID:   strings.TrimSpace(req.RequestID),
		DoctorID:    doctor.DoctorID,
		ServiceID:   service.ServiceID,
		ScheduleID:  schedules[0].ScheduleID,
		PatientID:   patientID,
		ServiceDate: date.Format(models.DateLayout),
		Complaint:   req.Complaint,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	span.SetAttributes(attribute.String("entry.ticket", entry.TicketNumber), attribute.Bool("entry.created", created))
	if created {
		s.logger.Info("entry created", "entry_id", entry.EntryID, "ticket", entry.TicketNumber, "doctor_id", entry.DoctorID, "date", entry.ServiceDate)
		s.run(ctx, Change{Entry: entry, Created: true})
		if refreshed, err := s.store.GetEntry(ctx, entry.EntryID); err == nil {
			entry = refreshed
		}
	}
	return entry, created, nil
}

func (s *Service) resolvePatient(ctx context.Context, req CreateEntryRequest) (string, error) {
	if req.PatientID != "" {
		patient, err := s.store.GetPatient(ctx, req.PatientID)
		if err != nil {
			return "", err
		}
		return patient.PatientID, nil
	}
	if req.Patient == nil || strings.TrimSpace(req.Patient.Identifier) == "" {
		return "", fmt.Errorf("%w: patient_id or patient identifier is required", ErrInvalidInput)
	}
	patient, err := s.CreatePatient(ctx, *req.Patient)
	if err != nil {
		return "", err
	}
	return patient.PatientID, nil
}

func (s *Service) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return s.store.GetEntry(ctx, entryID)
}

// ListQueue returns the doctor's entries for a date in call order.
func (s *Service) ListQueue(ctx context.Context, doctorID, serviceDate string, statuses []models.Status) ([]models.QueueEntry, error) {
	if serviceDate == "" {
		serviceDate = s.Today()
	}
	if _, err := s.parseDate(serviceDate); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, store.EntryFilter{DoctorID: doctorID, ServiceDate: serviceDate, Statuses: statuses})
}

// Transition moves an entry to target. The quota release on cancel happens
// inside the store transaction.
func (s *Service) Transition(ctx context.Context, entryID string, target models.Status, reason string) (models.QueueEntry, error) {
	ctx, span := s.tracer.Start(ctx, "queue.transition", trace.WithAttributes(attribute.String("entry.target", string(target))))
	defer span.End()

	current, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry, err := s.store.TransitionEntry(ctx, store.TransitionInput{
		EntryID:    entryID,
		Target:     target,
		Reason:     reason,
		OccurredAt: s.now(),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.logger.Info("entry transitioned", "entry_id", entry.EntryID, "from", current.Status, "to", entry.Status)
	s.run(ctx, Change{Entry: entry, Previous: current.Status})
	return entry, nil
}

func (s *Service) Call(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return s.Transition(ctx, entryID, models.StatusServing, "")
}

func (s *Service) Complete(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return s.Transition(ctx, entryID, models.StatusFinished, "")
}

func (s *Service) Cancel(ctx context.Context, entryID, reason string) (models.QueueEntry, error) {
	return s.Transition(ctx, entryID, models.StatusCanceled, reason)
}

func (s *Service) CallNext(ctx context.Context, doctorID, serviceDate, serviceID string) (models.QueueEntry, error) {
	if serviceDate == "" {
		serviceDate = s.Today()
	}
	if _, err := s.parseDate(serviceDate); err != nil {
		return models.QueueEntry{}, err
	}
	entry, err := s.store.CallNext(ctx, store.CallNextInput{
		DoctorID:    doctorID,
		ServiceID:   serviceID,
		ServiceDate: serviceDate,
		CalledAt:    s.now(),
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.logger.Info("entry called", "entry_id", entry.EntryID, "ticket", entry.TicketNumber)
	s.run(ctx, Change{Entry: entry, Previous: models.StatusWaiting})
	return entry, nil
}

// AddDelay records a reported overrun and shifts the estimates behind it.
func (s *Service) AddDelay(ctx context.Context, entryID string, minutes int) (models.QueueEntry, error) {
	if minutes <= 0 {
		return models.QueueEntry{}, fmt.Errorf("%w: minutes must be positive", ErrInvalidInput)
	}
	entry, err := s.store.AddDelay(ctx, entryID, minutes)
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.logger.Info("delay reported", "entry_id", entry.EntryID, "minutes", minutes, "total", entry.ExtraDelayMinutes)
	s.run(ctx, Change{Entry: entry, Previous: entry.Status})
	return entry, nil
}

// Recompute refreshes the stored estimates of every waiting entry of the doctor on the date.
func (s *Service) Recompute(ctx context.Context, doctorID, serviceDate string) ([]estimator.Result, error) {
	ctx, span := s.tracer.Start(ctx, "queue.recompute", trace.WithAttributes(
		attribute.String("doctor.id", doctorID), attribute.String("service.date", serviceDate)))
	defer span.End()

	date, err := s.parseDate(serviceDate)
	if err != nil {
		return nil, err
	}
	durations, err := s.durations(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	opening, err := s.opening(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}

	var results []estimator.Result
	err = s.store.RecomputeEstimates(ctx, doctorID, serviceDate, func(entries []models.QueueEntry) map[string]time.Time {
		results = estimator.Compute(estimator.Input{
			Now:       s.now(),
			Opening:   opening,
			Entries:   entries,
			Durations: durations,
		})
		etas := make(map[string]time.Time, len(results))
		for _, result := range results {
			etas[result.EntryID] = result.EstimatedCallTime
		}
		return etas
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("queue.waiting", len(results)))
	return results, nil
}

func (s *Service) durations(ctx context.Context, doctorID string) (estimator.Durations, error) {
	history, err := s.store.ServiceDurations(ctx, doctorID, s.now().Add(-s.options.HistoryWindow))
	if err != nil {
		return estimator.Durations{}, err
	}
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return estimator.Durations{}, err
	}
	configured := make(map[string]time.Duration, len(services))
	for _, service := range services {
		if service.AvgMinutes > 0 {
			configured[service.ServiceID] = time.Duration(service.AvgMinutes) * time.Minute
		}
	}
	return estimator.Durations{History: history, Configured: configured, Default: s.options.DefaultDuration}, nil
}

// opening is the earliest start among the doctor's active schedules on the date.
func (s *Service) opening(ctx context.Context, doctorID string, date time.Time) (time.Time, error) {
	schedules, err := s.store.ListSchedules(ctx, doctorID)
	if err != nil {
		return time.Time{}, err
	}
	var opening time.Time
	for _, schedule := range schedules {
		if !schedule.Active || !schedule.Weekdays.Has(date.Weekday()) {
			continue
		}
		start := schedule.OpeningOn(date)
		if opening.IsZero() || start.Before(opening) {
			opening = start
		}
	}
	return opening, nil
}

// GetEstimate reads the stored estimate so repeated calls without a state
// change agree. It recomputes once when a waiting entry has none yet.
func (s *Service) GetEstimate(ctx context.Context, entryID string) (models.Estimate, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return models.Estimate{}, err
	}
	now := s.now()
	switch entry.Status {
	case models.StatusServing:
		eta := entry.CreatedAt
		if entry.CalledAt != nil {
			eta = *entry.CalledAt
		}
		return models.Estimate{EntryID: entry.EntryID, Status: entry.Status, Position: 0, EstimatedCallTime: eta, Label: models.LabelOnTime}, nil
	case models.StatusWaiting:
	default:
		return models.Estimate{}, store.ErrNoEstimate
	}

	if entry.EstimatedCallTime == nil {
		if _, err := s.Recompute(ctx, entry.DoctorID, entry.ServiceDate); err != nil {
			return models.Estimate{}, err
		}
		if entry, err = s.store.GetEntry(ctx, entryID); err != nil {
			return models.Estimate{}, err
		}
		if entry.Status != models.StatusWaiting || entry.EstimatedCallTime == nil {
			return models.Estimate{}, store.ErrNoEstimate
		}
	}

	position, err := s.position(ctx, entry)
	if err != nil {
		return models.Estimate{}, err
	}
	label, delay := estimator.Classify(now, *entry.EstimatedCallTime)
	return models.Estimate{
		EntryID:           entry.EntryID,
		Status:            entry.Status,
		Position:          position,
		EstimatedCallTime: *entry.EstimatedCallTime,
		Label:             label,
		DelayMinutes:      delay,
	}, nil
}

func (s *Service) position(ctx context.Context, entry models.QueueEntry) (int, error) {
	waiting, err := s.store.ListEntries(ctx, store.EntryFilter{
		DoctorID:    entry.DoctorID,
		ServiceDate: entry.ServiceDate,
		Statuses:    []models.Status{models.StatusWaiting},
	})
	if err != nil {
		return 0, err
	}
	estimator.Order(waiting)
	for i, other := range waiting {
		if other.EntryID == entry.EntryID {
			return i, nil
		}
	}
	return 0, store.ErrNoEstimate
}

// Board builds the display snapshot from stored estimates.
func (s *Service) Board(ctx context.Context, doctorID, serviceDate string) (models.Board, error) {
	if serviceDate == "" {
		serviceDate = s.Today()
	}
	if _, err := s.parseDate(serviceDate); err != nil {
		return models.Board{}, err
	}
	entries, err := s.store.ListEntries(ctx, store.EntryFilter{
		DoctorID:    doctorID,
		ServiceDate: serviceDate,
		Statuses:    []models.Status{models.StatusWaiting, models.StatusServing},
	})
	if err != nil {
		return models.Board{}, err
	}
	estimator.Order(entries)

	now := s.now()
	board := models.Board{
		DoctorID:    doctorID,
		ServiceDate: serviceDate,
		GeneratedAt: now,
		Serving:     []models.BoardEntry{},
		Waiting:     []models.BoardEntry{},
	}
	for _, entry := range entries {
		item := models.BoardEntry{
			EntryID:      entry.EntryID,
			TicketNumber: entry.TicketNumber,
			QueueNumber:  entry.QueueNumber,
			Status:       entry.Status,
		}
		if entry.Status == models.StatusServing {
			board.Serving = append(board.Serving, item)
			continue
		}
		item.Position = len(board.Waiting)
		if entry.EstimatedCallTime != nil {
			eta := *entry.EstimatedCallTime
			item.EstimatedCallTime = &eta
			item.Label, item.DelayMinutes = estimator.Classify(now, eta)
		}
		board.Waiting = append(board.Waiting, item)
	}
	return board, nil
}

// AssignMRN gives the patient a medical record number. It fails with
// store.ErrMRNAssigned when the patient already has one.
func (s *Service) AssignMRN(ctx context.Context, patientID string) (models.Patient, error) {
	patient, assigned, err := s.store.AssignMRN(ctx, patientID, s.now())
	if err != nil {
		return models.Patient{}, err
	}
	if !assigned {
		return patient, store.ErrMRNAssigned
	}
	s.logger.Info("mrn assigned", "patient_id", patient.PatientID, "mrn", *patient.MedicalRecordNumber)
	return patient, nil
}
