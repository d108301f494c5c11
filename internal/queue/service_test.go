package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/logger"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/sqlite"

	"github.com/google/uuid"
)

const testDate = "2026-03-02"

var opening = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	boards []models.Board
}

func (p *recordingPublisher) PublishBoard(_ context.Context, board models.Board) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boards = append(p.boards, board)
}

type harness struct {
	svc      *Service
	st       *sqlite.Store
	clock    *clock
	doctor   models.Doctor
	service  models.Service
	schedule models.Schedule
}

func newHarness(t *testing.T, dailyQuota int) harness {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "queue.db"), store.Options{ReleaseQuotaOnCancel: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.Migrate(ctx, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	c := &clock{now: opening.Add(-time.Hour)}
	svc := NewService(st, logger.Discard(), Options{Location: time.UTC, DefaultDuration: 10 * time.Minute, Now: c.Now})

	doctor, err := svc.CreateDoctor(ctx, "dr. Sari")
	if err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	service, err := svc.CreateService(ctx, models.Service{Name: "General", Code: "gp"})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	schedule, err := svc.CreateSchedule(ctx, store.CreateScheduleInput{
		DoctorID:   doctor.DoctorID,
		ServiceID:  service.ServiceID,
		Weekdays:   models.NewWeekdaySet(time.Monday),
		StartTime:  "08:00",
		EndTime:    "12:00",
		DailyQuota: dailyQuota,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return harness{svc: svc, st: st, clock: c, doctor: doctor, service: service, schedule: schedule}
}

func (h harness) register(t *testing.T) models.QueueEntry {
	t.Helper()
	entry, created, err := h.svc.CreateEntry(context.Background(), CreateEntryRequest{
		RequestID:   uuid.NewString(),
		DoctorID:    h.doctor.DoctorID,
		ServiceID:   h.service.ServiceID,
		Patient:     &store.CreatePatientInput{Identifier: uuid.NewString(), Name: "Budi"},
		ServiceDate: testDate,
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if !created {
		t.Fatalf("expected entry to be created")
	}
	return entry
}

func (h harness) estimate(t *testing.T, entryID string) models.Estimate {
	t.Helper()
	estimate, err := h.svc.GetEstimate(context.Background(), entryID)
	if err != nil {
		t.Fatalf("get estimate: %v", err)
	}
	return estimate
}

func TestEstimatesAfterCall(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	e1 := h.register(t)
	e2 := h.register(t)
	e3 := h.register(t)

	if got := h.estimate(t, e3.EntryID); got.Position != 2 || !got.EstimatedCallTime.Equal(opening.Add(20*time.Minute)) {
		t.Fatalf("unexpected estimate before call: %+v", got)
	}

	if _, err := h.svc.Call(ctx, e1.EntryID); err != nil {
		t.Fatalf("call: %v", err)
	}
	first := h.estimate(t, e2.EntryID)
	if first.Position != 0 || !first.EstimatedCallTime.Equal(opening) {
		t.Fatalf("unexpected e2 estimate: %+v", first)
	}
	third := h.estimate(t, e3.EntryID)
	if third.Position != 1 || !third.EstimatedCallTime.Equal(opening.Add(10*time.Minute)) {
		t.Fatalf("unexpected e3 estimate: %+v", third)
	}
	if third.Label != models.LabelOnTime {
		t.Fatalf("expected on_time, got %s", third.Label)
	}

	serving := h.estimate(t, e1.EntryID)
	if serving.Status != models.StatusServing || serving.Position != 0 {
		t.Fatalf("unexpected serving estimate: %+v", serving)
	}
}

func TestSlowRecomputeCannotOverwriteNewerEstimates(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	e1 := h.register(t)
	h.register(t)
	e3 := h.register(t)

	read := make(chan int)
	release := make(chan struct{})
	slow := make(chan error, 1)
	go func() {
		slow <- h.st.RecomputeEstimates(ctx, h.doctor.DoctorID, testDate, func(entries []models.QueueEntry) map[string]time.Time {
			read <- len(entries)
			<-release
			// What the queue looked like before the call.
			return map[string]time.Time{e3.EntryID: opening.Add(20 * time.Minute)}
		})
	}()
	if n := <-read; n != 3 {
		t.Fatalf("expected 3 entries in the slow recompute, got %d", n)
	}

	called := make(chan error, 1)
	go func() {
		_, err := h.svc.Call(ctx, e1.EntryID)
		called <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-slow; err != nil {
		t.Fatalf("slow recompute: %v", err)
	}
	if err := <-called; err != nil {
		t.Fatalf("call: %v", err)
	}

	entry, err := h.st.GetEntry(ctx, e3.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.EstimatedCallTime == nil || !entry.EstimatedCallTime.Equal(opening.Add(10*time.Minute)) {
		t.Fatalf("expected estimate from the newer queue, got %v", entry.EstimatedCallTime)
	}
}

func TestEstimateIsStableWithoutChanges(t *testing.T) {
	h := newHarness(t, 20)
	entry := h.register(t)
	h.register(t)

	first := h.estimate(t, entry.EntryID)
	second := h.estimate(t, entry.EntryID)
	if first != second {
		t.Fatalf("expected identical estimates, got %+v and %+v", first, second)
	}
}

func TestEstimateLabelsDelay(t *testing.T) {
	h := newHarness(t, 20)
	entry := h.register(t)

	h.clock.Set(opening.Add(30 * time.Minute))
	got := h.estimate(t, entry.EntryID)
	if got.Label != models.LabelDelayed || got.DelayMinutes != 30 {
		t.Fatalf("expected delayed by 30 minutes, got %+v", got)
	}
}

func TestAddDelayShiftsLaterEstimates(t *testing.T) {
	h := newHarness(t, 20)
	e1 := h.register(t)
	e2 := h.register(t)

	if _, err := h.svc.AddDelay(context.Background(), e1.EntryID, 5); err != nil {
		t.Fatalf("add delay: %v", err)
	}
	if got := h.estimate(t, e2.EntryID); !got.EstimatedCallTime.Equal(opening.Add(15 * time.Minute)) {
		t.Fatalf("expected e2 at 08:15, got %s", got.EstimatedCallTime)
	}
	if _, err := h.svc.AddDelay(context.Background(), e1.EntryID, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestEstimateRejectsTerminalEntries(t *testing.T) {
	h := newHarness(t, 20)
	entry := h.register(t)
	if _, err := h.svc.Cancel(context.Background(), entry.EntryID, "left"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.GetEstimate(context.Background(), entry.EntryID); !errors.Is(err, store.ErrNoEstimate) {
		t.Fatalf("expected no estimate, got %v", err)
	}
}

func TestCreateEntryReplay(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	req := CreateEntryRequest{
		RequestID:   "req-1",
		DoctorID:    h.doctor.DoctorID,
		ServiceID:   h.service.ServiceID,
		Patient:     &store.CreatePatientInput{Identifier: "3171", Name: "Budi"},
		ServiceDate: testDate,
	}
	first, created, err := h.svc.CreateEntry(ctx, req)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := h.svc.CreateEntry(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || second.EntryID != first.EntryID || second.TicketNumber != "GP-001" {
		t.Fatalf("unexpected replay result: created=%v entry=%+v", created, second)
	}
	quota, err := h.svc.GetQuota(ctx, h.schedule.ScheduleID, testDate)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.UsedQuota != 1 {
		t.Fatalf("expected one reservation, got %d", quota.UsedQuota)
	}
}

func TestCreateEntryValidation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	base := CreateEntryRequest{
		DoctorID:  h.doctor.DoctorID,
		ServiceID: h.service.ServiceID,
		Patient:   &store.CreatePatientInput{Identifier: "3171"},
	}

	cases := []struct {
		name   string
		mutate func(r *CreateEntryRequest)
		want   error
	}{
		{"bad date", func(r *CreateEntryRequest) { r.ServiceDate = "02-03-2026" }, ErrInvalidInput},
		{"no schedule", func(r *CreateEntryRequest) { r.ServiceDate = "2026-03-03" }, store.ErrNoSchedule},
		{"unknown doctor", func(r *CreateEntryRequest) { r.ServiceDate = testDate; r.DoctorID = uuid.NewString() }, store.ErrDoctorNotFound},
		{"no patient", func(r *CreateEntryRequest) { r.ServiceDate = testDate; r.Patient = nil }, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			if _, _, err := h.svc.CreateEntry(ctx, req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	h.register(t)
	req := base
	req.ServiceDate = testDate
	req.Patient = &store.CreatePatientInput{Identifier: "other"}
	if _, _, err := h.svc.CreateEntry(ctx, req); !errors.Is(err, store.ErrQuotaExhausted) {
		t.Fatalf("expected quota exhausted, got %v", err)
	}
}

func TestCancelReleasesQuota(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	entry := h.register(t)
	h.register(t)

	if _, err := h.svc.Cancel(ctx, entry.EntryID, "no show"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	quota, err := h.svc.GetQuota(ctx, h.schedule.ScheduleID, testDate)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.UsedQuota != 1 || quota.Available() != 1 {
		t.Fatalf("expected one seat back, got %+v", quota)
	}
	if _, err := h.svc.Cancel(ctx, entry.EntryID, "again"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCompleteAssignsMRNOnce(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	entry := h.register(t)

	if _, err := h.svc.Complete(ctx, entry.EntryID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected waiting -> finished to be rejected, got %v", err)
	}
	if _, err := h.svc.Call(ctx, entry.EntryID); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := h.svc.Complete(ctx, entry.EntryID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	patient, err := h.svc.GetPatient(ctx, entry.PatientID)
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if !patient.HasMRN() || *patient.MedicalRecordNumber != "RM000001" {
		t.Fatalf("expected RM000001, got %+v", patient.MedicalRecordNumber)
	}
	if _, err := h.svc.AssignMRN(ctx, entry.PatientID); !errors.Is(err, store.ErrMRNAssigned) {
		t.Fatalf("expected mrn assigned, got %v", err)
	}
}

func TestCallNextAndBoard(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	publisher := &recordingPublisher{}
	h.svc.SetPublisher(publisher)

	e1 := h.register(t)
	e2 := h.register(t)

	called, err := h.svc.CallNext(ctx, h.doctor.DoctorID, testDate, "")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.EntryID != e1.EntryID {
		t.Fatalf("expected lowest number to be called, got %s", called.TicketNumber)
	}

	board, err := h.svc.Board(ctx, h.doctor.DoctorID, testDate)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(board.Serving) != 1 || len(board.Waiting) != 1 || board.Waiting[0].EntryID != e2.EntryID {
		t.Fatalf("unexpected board: %+v", board)
	}
	if board.Waiting[0].EstimatedCallTime == nil || !board.Waiting[0].EstimatedCallTime.Equal(opening) {
		t.Fatalf("expected stored estimate on board, got %+v", board.Waiting[0])
	}

	publisher.mu.Lock()
	published := len(publisher.boards)
	publisher.mu.Unlock()
	if published != 3 {
		t.Fatalf("expected a board per change, got %d", published)
	}

	if _, err := h.svc.CallNext(ctx, h.doctor.DoctorID, testDate, ""); err != nil {
		t.Fatalf("second call next: %v", err)
	}
	if _, err := h.svc.CallNext(ctx, h.doctor.DoctorID, testDate, ""); !errors.Is(err, store.ErrNoWaitingEntry) {
		t.Fatalf("expected no waiting entry, got %v", err)
	}
}

func TestSetQuotaNeverBelowUsed(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	h.register(t)
	h.register(t)

	if _, err := h.svc.SetQuota(ctx, h.schedule.ScheduleID, testDate, 1); !errors.Is(err, store.ErrQuotaBelowUsed) {
		t.Fatalf("expected quota below used, got %v", err)
	}
	quota, err := h.svc.SetQuota(ctx, h.schedule.ScheduleID, testDate, 2)
	if err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if quota.Available() != 0 {
		t.Fatalf("expected no seats left, got %+v", quota)
	}
}

func TestEntryEventsAreVerified(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	entry := h.register(t)
	if _, err := h.svc.Call(ctx, entry.EntryID); err != nil {
		t.Fatalf("call: %v", err)
	}
	events, err := h.svc.EntryEvents(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("entry events: %v", err)
	}
	if len(events) != 2 || events[1].PrevHash != events[0].Hash {
		t.Fatalf("unexpected chain: %+v", events)
	}
}

func TestFailingStepDoesNotUndoChange(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	h.svc.steps = append([]Step{{Name: "boom", Run: func(context.Context, Change) error { return errors.New("boom") }}}, h.svc.steps...)

	entry := h.register(t)
	called, err := h.svc.Call(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.Status != models.StatusServing {
		t.Fatalf("expected serving, got %s", called.Status)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	h := newHarness(t, 20)
	ctx := context.Background()
	cases := []struct {
		name  string
		input store.CreateScheduleInput
		want  error
	}{
		{"no weekdays", store.CreateScheduleInput{DoctorID: h.doctor.DoctorID, ServiceID: h.service.ServiceID, StartTime: "13:00", EndTime: "15:00"}, ErrInvalidInput},
		{"inverted", store.CreateScheduleInput{DoctorID: h.doctor.DoctorID, ServiceID: h.service.ServiceID, Weekdays: models.NewWeekdaySet(time.Friday), StartTime: "15:00", EndTime: "13:00"}, ErrInvalidInput},
		{"overlap", store.CreateScheduleInput{DoctorID: h.doctor.DoctorID, ServiceID: h.service.ServiceID, Weekdays: models.NewWeekdaySet(time.Monday), StartTime: "11:00", EndTime: "13:00"}, store.ErrScheduleConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.CreateSchedule(ctx, tc.input); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
