package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testDate = "2026-03-02"

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctor, service, schedule := seedBaseData(t, ctx, st, 10)
	createEntry(t, ctx, st, doctor.DoctorID, service.ServiceID, schedule.ScheduleID, uuid.NewString())
	createEntry(t, ctx, st, doctor.DoctorID, service.ServiceID, schedule.ScheduleID, uuid.NewString())

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := st.CallNext(ctx, store.CallNextInput{DoctorID: doctor.DoctorID, ServiceDate: testDate})
			results <- callResult{entryID: entry.EntryID, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		ids = append(ids, result.entryID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("expected distinct entries, got %s", ids[0])
	}
}

func TestCreateEntryIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctor, service, schedule := seedBaseData(t, ctx, st, 10)
	patient := createPatient(t, ctx, st)
	requestID := uuid.NewString()

	first, _, err := st.CreateEntry(ctx, entryInput(doctor.DoctorID, service.ServiceID, schedule.ScheduleID, patient.PatientID, requestID))
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	second, created, err := st.CreateEntry(ctx, entryInput(doctor.DoctorID, service.ServiceID, schedule.ScheduleID, patient.PatientID, requestID))
	if err != nil {
		t.Fatalf("replay entry: %v", err)
	}
	if created || first.EntryID != second.EntryID {
		t.Fatalf("expected same entry for duplicate request")
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = 'entry.created'`).Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry.created event, got %d", count)
	}
	quota, err := st.GetQuota(ctx, schedule.ScheduleID, testDate)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.UsedQuota != 1 {
		t.Fatalf("expected replay to consume no quota, used=%d", quota.UsedQuota)
	}
}

func TestConcurrentCreateRespectsQuota(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctor, service, schedule := seedBaseData(t, ctx, st, 3)
	const attempts = 8
	patients := make([]models.Patient, attempts)
	for i := range patients {
		patients[i] = createPatient(t, ctx, st)
	}

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for _, patient := range patients {
		wg.Add(1)
		go func(patientID string) {
			defer wg.Done()
			_, _, err := st.CreateEntry(ctx, entryInput(doctor.DoctorID, service.ServiceID, schedule.ScheduleID, patientID, uuid.NewString()))
			errs <- err
		}(patient.PatientID)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, store.ErrQuotaExhausted) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected 3 admitted entries, got %d", succeeded)
	}

	entries, err := st.ListEntries(ctx, store.EntryFilter{DoctorID: doctor.DoctorID, ServiceDate: testDate})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	for i, entry := range entries {
		if entry.QueueNumber != i+1 {
			t.Fatalf("expected gapless numbers, got %d at %d", entry.QueueNumber, i)
		}
	}
}

func TestCancelReleasesQuotaAndChainsEvents(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctor, service, schedule := seedBaseData(t, ctx, st, 2)
	entry := createEntry(t, ctx, st, doctor.DoctorID, service.ServiceID, schedule.ScheduleID, uuid.NewString())

	if _, err := st.TransitionEntry(ctx, store.TransitionInput{EntryID: entry.EntryID, Target: models.StatusCanceled, Reason: "left"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := st.TransitionEntry(ctx, store.TransitionInput{EntryID: entry.EntryID, Target: models.StatusCanceled}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	quota, err := st.GetQuota(ctx, schedule.ScheduleID, testDate)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.UsedQuota != 0 {
		t.Fatalf("expected quota released, used=%d", quota.UsedQuota)
	}

	events, err := st.ListEntryEvents(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if err := store.VerifyEntryEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

func TestReminderMarkIsConditional(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctor, service, schedule := seedBaseData(t, ctx, st, 2)
	entry := createEntry(t, ctx, st, doctor.DoctorID, service.ServiceID, schedule.ScheduleID, uuid.NewString())
	now := time.Now().UTC()
	err := st.RecomputeEstimates(ctx, doctor.DoctorID, testDate, func([]models.QueueEntry) map[string]time.Time {
		return map[string]time.Time{entry.EntryID: now.Add(5 * time.Minute)}
	})
	if err != nil {
		t.Fatalf("save estimates: %v", err)
	}
	candidates, err := st.ListReminderCandidates(ctx, now, now.Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if ok, err := st.MarkReminderSent(ctx, entry.EntryID, now, 1); err != nil || !ok {
		t.Fatalf("mark sent: ok=%v err=%v", ok, err)
	}
	if ok, err := st.MarkReminderSent(ctx, entry.EntryID, now, 1); err != nil || ok {
		t.Fatalf("expected second mark to be ignored: ok=%v err=%v", ok, err)
	}
}

type callResult struct {
	entryID string
	err     error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	st := NewStore(pool, store.Options{ReleaseQuotaOnCancel: true})
	if _, err := st.Migrate(ctx, nil); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func seedBaseData(t *testing.T, ctx context.Context, st *Store, quota int) (models.Doctor, models.Service, models.Schedule) {
	t.Helper()
	doctor, err := st.CreateDoctor(ctx, models.Doctor{Name: "dr. Sari", Active: true})
	if err != nil {
		t.Fatalf("insert doctor: %v", err)
	}
	service, err := st.CreateService(ctx, models.Service{Name: "General", Code: "GP", AvgMinutes: 10, Active: true})
	if err != nil {
		t.Fatalf("insert service: %v", err)
	}
	schedule, err := st.CreateSchedule(ctx, store.CreateScheduleInput{
		DoctorID:   doctor.DoctorID,
		ServiceID:  service.ServiceID,
		Weekdays:   models.NewWeekdaySet(time.Monday),
		StartTime:  "08:00",
		EndTime:    "12:00",
		DailyQuota: quota,
	})
	if err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	return doctor, service, schedule
}

func createPatient(t *testing.T, ctx context.Context, st *Store) models.Patient {
	t.Helper()
	patient, _, err := st.CreatePatient(ctx, store.CreatePatientInput{Identifier: uuid.NewString(), Name: "Budi", Phone: "+628123456789"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return patient
}

func entryInput(doctorID, serviceID, scheduleID, patientID, requestID string) store.CreateEntryInput {
	return store.CreateEntryInput{
		RequestID:   requestID,
		DoctorID:    doctorID,
		ServiceID:   serviceID,
		ScheduleID:  scheduleID,
		PatientID:   patientID,
		ServiceDate: testDate,
		CreatedAt:   time.Now().UTC(),
	}
}

func createEntry(t *testing.T, ctx context.Context, st *Store, doctorID, serviceID, scheduleID, requestID string) models.QueueEntry {
	t.Helper()
	patient := createPatient(t, ctx, st)
	entry, _, err := st.CreateEntry(ctx, entryInput(doctorID, serviceID, scheduleID, patient.PatientID, requestID))
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}
