package reminder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/logger"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/sqlite"

	"github.com/cenkalti/backoff/v5"
)

var now = time.Date(2026, 3, 2, 7, 51, 0, 0, time.UTC)

type fakeStore struct {
	listCandidates func(ctx context.Context, from, to time.Time, limit int) ([]models.QueueEntry, error)
	getTarget      func(ctx context.Context, entryID string) (store.ReminderTarget, error)
	markSent       func(ctx context.Context, entryID string, at time.Time, attempts int) (bool, error)
	markFailed     func(ctx context.Context, entryID string, at time.Time, message string, attempts int) (bool, error)
	acquireLease   func(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	releaseLease   func(ctx context.Context, name, holder string) error
}

func (f *fakeStore) ListReminderCandidates(ctx context.Context, from, to time.Time, limit int) ([]models.QueueEntry, error) {
	return f.listCandidates(ctx, from, to, limit)
}

func (f *fakeStore) GetReminderTarget(ctx context.Context, entryID string) (store.ReminderTarget, error) {
	return f.getTarget(ctx, entryID)
}

func (f *fakeStore) MarkReminderSent(ctx context.Context, entryID string, at time.Time, attempts int) (bool, error) {
	return f.markSent(ctx, entryID, at, attempts)
}

func (f *fakeStore) MarkReminderFailed(ctx context.Context, entryID string, at time.Time, message string, attempts int) (bool, error) {
	return f.markFailed(ctx, entryID, at, message, attempts)
}

func (f *fakeStore) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	if f.acquireLease == nil {
		return true, nil
	}
	return f.acquireLease(ctx, name, holder, now, ttl)
}

func (f *fakeStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if f.releaseLease == nil {
		return nil
	}
	return f.releaseLease(ctx, name, holder)
}

type recordingProvider struct {
	mu       sync.Mutex
	messages []Message
	failures int
}

func (p *recordingProvider) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("gateway timeout")
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func waitingEntry(id string, eta time.Time) models.QueueEntry {
	return models.QueueEntry{
		EntryID:           id,
		TicketNumber:      "GP-004",
		Status:            models.StatusWaiting,
		EstimatedCallTime: &eta,
	}
}

func target(entry models.QueueEntry) store.ReminderTarget {
	return store.ReminderTarget{
		Entry:      entry,
		Patient:    models.Patient{Name: "Budi", Phone: "+628123456789"},
		DoctorName: "dr. Sari",
		Position:   2,
	}
}

type marks struct {
	mu       sync.Mutex
	sent     map[string]int
	failed   map[string]string
	attempts map[string]int
}

func newFakeStore(candidates []models.QueueEntry, targets map[string]store.ReminderTarget) (*fakeStore, *marks) {
	m := &marks{sent: map[string]int{}, failed: map[string]string{}, attempts: map[string]int{}}
	st := &fakeStore{
		listCandidates: func(ctx context.Context, from, to time.Time, limit int) ([]models.QueueEntry, error) {
			return candidates, nil
		},
		getTarget: func(ctx context.Context, entryID string) (store.ReminderTarget, error) {
			t, ok := targets[entryID]
			if !ok {
				return store.ReminderTarget{}, store.ErrEntryNotFound
			}
			return t, nil
		},
		markSent: func(ctx context.Context, entryID string, at time.Time, attempts int) (bool, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.sent[entryID] = attempts
			return true, nil
		},
		markFailed: func(ctx context.Context, entryID string, at time.Time, message string, attempts int) (bool, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.failed[entryID] = message
			m.attempts[entryID] = attempts
			return true, nil
		},
	}
	return st, m
}

func newScanner(st Store, provider Provider) *Scanner {
	s := New(st, provider, logger.Discard(), Config{Backoff: time.Millisecond, AttemptTimeout: time.Second})
	s.now = func() time.Time { return now }
	return s
}

func TestRunOnceSendsReminder(t *testing.T) {
	entry := waitingEntry("e1", now.Add(9*time.Minute))
	st, m := newFakeStore([]models.QueueEntry{entry}, map[string]store.ReminderTarget{"e1": target(entry)})
	provider := &recordingProvider{}

	result, err := newScanner(st, provider).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Sent != 1 || m.sent["e1"] != 1 {
		t.Fatalf("expected one send on first attempt, got %+v marks=%v", result, m.sent)
	}
	msg := provider.messages[0]
	if msg.Recipient != "+628123456789" || msg.Channel != ChannelWhatsApp {
		t.Fatalf("unexpected message: %+v", msg)
	}
	want := "Halo Budi, nomor antrian GP-004 untuk dr. Sari diperkirakan dipanggil sekitar pukul 08:00. Masih ada 2 pasien sebelum Anda."
	if msg.Body != want {
		t.Fatalf("unexpected body: %s", msg.Body)
	}
}

func TestRunOnceSkipsChangedEntries(t *testing.T) {
	eta := now.Add(5 * time.Minute)
	sentAt := now.Add(-time.Minute)

	serving := waitingEntry("serving", eta)
	serving.Status = models.StatusServing
	alreadySent := waitingEntry("sent", eta)
	alreadySent.ReminderSentAt = &sentAt
	drifted := waitingEntry("drifted", eta.Add(15*time.Minute))

	candidates := []models.QueueEntry{waitingEntry("serving", eta), waitingEntry("sent", eta), waitingEntry("drifted", eta)}
	st, m := newFakeStore(candidates, map[string]store.ReminderTarget{
		"serving": target(serving),
		"sent":    target(alreadySent),
		"drifted": target(drifted),
	})
	provider := &recordingProvider{}

	result, err := newScanner(st, provider).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Skipped != 3 || provider.count() != 0 || len(m.sent) != 0 || len(m.failed) != 0 {
		t.Fatalf("expected all skipped, got %+v", result)
	}
}

func TestRunOnceRetriesThenRecordsFailure(t *testing.T) {
	entry := waitingEntry("e1", now.Add(5*time.Minute))
	st, m := newFakeStore([]models.QueueEntry{entry}, map[string]store.ReminderTarget{"e1": target(entry)})
	provider := &recordingProvider{failures: 10}

	result, err := newScanner(st, provider).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected failure, got %+v", result)
	}
	if m.attempts["e1"] != 3 {
		t.Fatalf("expected 3 attempts, got %d", m.attempts["e1"])
	}
	if m.failed["e1"] == "" {
		t.Fatalf("expected error message to be recorded")
	}
}

func TestRunOnceRecoversFromTransientFailure(t *testing.T) {
	entry := waitingEntry("e1", now.Add(5*time.Minute))
	st, m := newFakeStore([]models.QueueEntry{entry}, map[string]store.ReminderTarget{"e1": target(entry)})
	provider := &recordingProvider{failures: 1}

	if _, err := newScanner(st, provider).RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if m.sent["e1"] != 2 {
		t.Fatalf("expected success on second attempt, got %v", m.sent)
	}
}

func TestNoRecipientFailsWithoutSending(t *testing.T) {
	entry := waitingEntry("e1", now.Add(5*time.Minute))
	tgt := target(entry)
	tgt.Patient.Phone = ""
	st, m := newFakeStore([]models.QueueEntry{entry}, map[string]store.ReminderTarget{"e1": tgt})
	provider := &recordingProvider{}

	if _, err := newScanner(st, provider).RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if provider.count() != 0 {
		t.Fatalf("provider should not be called")
	}
	if m.attempts["e1"] != 0 || m.failed["e1"] == "" {
		t.Fatalf("expected permanent failure, got attempts=%d message=%q", m.attempts["e1"], m.failed["e1"])
	}
}

func TestOneEntryFailureDoesNotAbortScan(t *testing.T) {
	good := waitingEntry("good", now.Add(5*time.Minute))
	st, m := newFakeStore(
		[]models.QueueEntry{waitingEntry("missing", now.Add(4*time.Minute)), good},
		map[string]store.ReminderTarget{"good": target(good)},
	)

	result, err := newScanner(st, &recordingProvider{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Skipped != 1 || result.Sent != 1 || m.sent["good"] != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunOnceRespectsLease(t *testing.T) {
	st, _ := newFakeStore(nil, nil)
	st.acquireLease = func(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
		if name != LeaseName {
			t.Fatalf("unexpected lease %s", name)
		}
		return false, nil
	}
	if _, err := newScanner(st, &recordingProvider{}).RunOnce(context.Background()); !errors.Is(err, store.ErrLeaseHeld) {
		t.Fatalf("expected lease held, got %v", err)
	}
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	st, _ := newFakeStore(nil, nil)
	s := newScanner(st, &recordingProvider{})
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected scan in progress, got %v", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := renderTemplate("Ticket {ticket_number} at {eta}, {missing}", map[string]string{
		"ticket_number": "GP-001",
		"eta":           "08:10",
	})
	if got != "Ticket GP-001 at 08:10, {missing}" {
		t.Fatalf("unexpected template render: %s", got)
	}
}

func TestWebhookProvider(t *testing.T) {
	status := http.StatusOK
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer server.Close()

	provider := newWebhookProvider(server.URL, "secret")
	msg := Message{Channel: ChannelWhatsApp, Recipient: "+62", Body: "hi", EntryID: "e1"}
	if err := provider.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}

	status = http.StatusBadRequest
	err := provider.Send(context.Background(), msg)
	var permanent *backoff.PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	status = http.StatusBadGateway
	err = provider.Send(context.Background(), msg)
	if err == nil || errors.As(err, &permanent) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

// seedSQLite opens a migrated store with one Monday schedule and registers
// an entry per phone number.
func seedSQLite(t *testing.T, phones ...string) (*sqlite.Store, []models.QueueEntry) {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "queue.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.Migrate(ctx, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	svc := queue.NewService(st, logger.Discard(), queue.Options{Now: func() time.Time { return now }})
	doctor, err := svc.CreateDoctor(ctx, "dr. Sari")
	if err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	service, err := svc.CreateService(ctx, models.Service{Name: "General", Code: "gp"})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if _, err := svc.CreateSchedule(ctx, store.CreateScheduleInput{
		DoctorID: doctor.DoctorID, ServiceID: service.ServiceID,
		Weekdays: models.NewWeekdaySet(time.Monday), StartTime: "08:00", EndTime: "12:00", DailyQuota: 10,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	var entries []models.QueueEntry
	for i, phone := range phones {
		entry, _, err := svc.CreateEntry(ctx, queue.CreateEntryRequest{
			RequestID: fmt.Sprintf("kiosk-%d", i), DoctorID: doctor.DoctorID, ServiceID: service.ServiceID, ServiceDate: "2026-03-02",
			Patient: &store.CreatePatientInput{Identifier: fmt.Sprintf("317%d", i), Name: "Budi", Phone: phone},
		})
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		entries = append(entries, entry)
	}
	return st, entries
}

func TestScanDispatchesOnceWithSQLite(t *testing.T) {
	ctx := context.Background()
	st, entries := seedSQLite(t, "+628123456789")
	entry := entries[0]

	provider := &recordingProvider{}
	scanner := newScanner(st, provider)
	result, err := scanner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if result.Sent != 1 || provider.count() != 1 {
		t.Fatalf("expected one dispatch, got %+v", result)
	}

	result, err = scanner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if result.Candidates != 0 || provider.count() != 1 {
		t.Fatalf("expected no second dispatch, got %+v", result)
	}

	stored, err := st.GetEntry(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if stored.ReminderSentAt == nil || stored.ReminderAttempts != 1 {
		t.Fatalf("expected reminder to be recorded, got %+v", stored)
	}
}

type slowProvider struct {
	mu    sync.Mutex
	delay time.Duration
	sends map[string]int
}

func (p *slowProvider) Send(ctx context.Context, msg Message) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends[msg.EntryID]++
	return nil
}

func TestSlowScanKeepsLeaseFromSecondScanner(t *testing.T) {
	ctx := context.Background()
	st, entries := seedSQLite(t, "+628111", "+628222")

	start := time.Now()
	clock := func() time.Time { return now.Add(time.Since(start)) }
	cfg := Config{LeadWindow: time.Hour, Lease: 100 * time.Millisecond, Backoff: time.Millisecond, AttemptTimeout: time.Second}
	provider := &slowProvider{delay: 300 * time.Millisecond, sends: map[string]int{}}
	first := New(st, provider, logger.Discard(), cfg)
	first.now = clock
	second := New(st, provider, logger.Discard(), cfg)
	second.now = clock

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := first.RunOnce(ctx)
		done <- outcome{result, err}
	}()

	time.Sleep(150 * time.Millisecond)
	if result, err := second.RunOnce(ctx); !errors.Is(err, store.ErrLeaseHeld) {
		t.Fatalf("expected second scanner to find the lease held, got %+v err=%v", result, err)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("first scan: %v", got.err)
	}
	if got.result.Sent != 2 {
		t.Fatalf("expected both entries sent, got %+v", got.result)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	for _, entry := range entries {
		if n := provider.sends[entry.EntryID]; n != 1 {
			t.Fatalf("entry %s dispatched %d times", entry.EntryID, n)
		}
	}
}

type blockingProvider struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *blockingProvider) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	p.calls[msg.EntryID]++
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestLostLeaseStopsScan(t *testing.T) {
	first := waitingEntry("e1", now.Add(5*time.Minute))
	second := waitingEntry("e2", now.Add(6*time.Minute))
	st, m := newFakeStore(
		[]models.QueueEntry{first, second},
		map[string]store.ReminderTarget{"e1": target(first), "e2": target(second)},
	)
	var acquired int
	st.acquireLease = func(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
		acquired++
		return acquired == 1, nil
	}
	provider := &blockingProvider{calls: map[string]int{}}
	s := New(st, provider, logger.Discard(), Config{Lease: 30 * time.Millisecond, Backoff: time.Millisecond, AttemptTimeout: time.Minute})
	s.now = func() time.Time { return now }

	result, err := s.RunOnce(context.Background())
	if !errors.Is(err, store.ErrLeaseHeld) {
		t.Fatalf("expected lost lease error, got %v", err)
	}
	if provider.calls["e2"] != 0 {
		t.Fatalf("scan continued after losing the lease: %v", provider.calls)
	}
	if len(m.failed) != 0 || len(m.sent) != 0 {
		t.Fatalf("interrupted entry should stay unmarked, got sent=%v failed=%v", m.sent, m.failed)
	}
	if result.Skipped != 1 {
		t.Fatalf("expected the interrupted entry to count as skipped, got %+v", result)
	}
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	entry := waitingEntry("e1", now.Add(5*time.Minute))
	st, m := newFakeStore([]models.QueueEntry{entry}, map[string]store.ReminderTarget{"e1": target(entry)})
	var markedFailed int
	markFailed := st.markFailed
	st.markFailed = func(ctx context.Context, entryID string, at time.Time, message string, attempts int) (bool, error) {
		markedFailed++
		return markFailed(ctx, entryID, at, message, attempts)
	}
	provider := &blockingProvider{calls: map[string]int{}}
	s := New(st, provider, logger.Discard(), Config{Backoff: time.Millisecond, AttemptTimeout: 20 * time.Millisecond})
	s.now = func() time.Time { return now }

	done := make(chan struct{})
	var result Result
	var err error
	go func() {
		defer close(done)
		result, err = s.RunOnce(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scan did not return after timed out attempts")
	}
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if result.Failed != 1 || markedFailed != 1 {
		t.Fatalf("expected one recorded failure, got %+v marks=%d", result, markedFailed)
	}
	if provider.calls["e1"] != 3 || m.attempts["e1"] != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d recorded=%d", provider.calls["e1"], m.attempts["e1"])
	}
	if m.failed["e1"] == "" {
		t.Fatalf("expected timeout message to be recorded")
	}
}
