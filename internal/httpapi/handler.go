package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strings"
	"time"

	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/store"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// QueueService is the application layer behind the HTTP surface.
type QueueService interface {
	CreateEntry(ctx context.Context, req queue.CreateEntryRequest) (models.QueueEntry, bool, error)
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	ListQueue(ctx context.Context, doctorID, serviceDate string, statuses []models.Status) ([]models.QueueEntry, error)
	Call(ctx context.Context, entryID string) (models.QueueEntry, error)
	Complete(ctx context.Context, entryID string) (models.QueueEntry, error)
	Cancel(ctx context.Context, entryID, reason string) (models.QueueEntry, error)
	AddDelay(ctx context.Context, entryID string, minutes int) (models.QueueEntry, error)
	CallNext(ctx context.Context, doctorID, serviceDate, serviceID string) (models.QueueEntry, error)
	GetEstimate(ctx context.Context, entryID string) (models.Estimate, error)
	EntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error)
	Board(ctx context.Context, doctorID, serviceDate string) (models.Board, error)

	CreateDoctor(ctx context.Context, name string) (models.Doctor, error)
	CreateService(ctx context.Context, service models.Service) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	CreateSchedule(ctx context.Context, input store.CreateScheduleInput) (models.Schedule, error)
	ListSchedules(ctx context.Context, doctorID string) ([]models.Schedule, error)
	DeactivateSchedule(ctx context.Context, scheduleID string) (models.Schedule, error)
	GetQuota(ctx context.Context, scheduleID, serviceDate string) (models.Quota, error)
	SetQuota(ctx context.Context, scheduleID, serviceDate string, total int) (models.Quota, error)

	CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	FindPatient(ctx context.Context, identifier string) (models.Patient, error)
	AssignMRN(ctx context.Context, patientID string) (models.Patient, error)
}

type Handler struct {
	svc      QueueService
	sessions store.SessionStore
	hub      *hub.Hub
	logger   *log.Logger
	now      func() time.Time
}

type Options struct {
	Hub    *hub.Hub
	Logger *log.Logger
	Now    func() time.Time
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(svc QueueService, sessions store.SessionStore, options Options) *Handler {
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Logger == nil {
		options.Logger = log.Default()
	}
	return &Handler{svc: svc, sessions: sessions, hub: options.Hub, logger: options.Logger, now: options.Now}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/queue-entries", h.handleQueueEntries)
	mux.HandleFunc("/api/queue-entries/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue-entries/", h.handleEntryRoutes)
	mux.HandleFunc("/api/queues", h.handleQueues)
	mux.HandleFunc("/api/board", h.handleBoard)
	mux.HandleFunc("/api/board/ws", h.handleBoardSocket)
	mux.HandleFunc("/api/doctors", h.handleDoctors)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/schedules", h.handleSchedules)
	mux.HandleFunc("/api/schedules/", h.handleScheduleActions)
	mux.HandleFunc("/api/quotas", h.handleQuotas)
	mux.HandleFunc("/api/patients", h.handlePatients)
	mux.HandleFunc("/api/patients/", h.handlePatientRoutes)
	mux.HandleFunc("/api/debug/sessions", h.handleDebugSessions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type patientPayload struct {
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	DeviceToken string `json:"device_token"`
}

func (p patientPayload) input() store.CreatePatientInput {
	return store.CreatePatientInput{
		Identifier:  strings.TrimSpace(p.Identifier),
		Name:        strings.TrimSpace(p.Name),
		Phone:       strings.TrimSpace(p.Phone),
		Email:       strings.TrimSpace(p.Email),
		DeviceToken: strings.TrimSpace(p.DeviceToken),
	}
}

type createEntryRequest struct {
	RequestID string          `json:"request_id"`
	DoctorID  string          `json:"doctor_id"`
	ServiceID string          `json:"service_id"`
	Date      string          `json:"date"`
	PatientID string          `json:"patient_id"`
	Patient   *patientPayload `json:"patient"`
	Complaint string          `json:"complaint"`
}

func (h *Handler) handleQueueEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createEntryRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Date = strings.TrimSpace(req.Date)

	if req.RequestID == "" || req.DoctorID == "" || req.ServiceID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, doctor_id, and service_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.DoctorID) || !isValidUUID(req.ServiceID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, doctor_id, and service_id must be UUIDs")
		return
	}
	if req.PatientID == "" && (req.Patient == nil || strings.TrimSpace(req.Patient.Identifier) == "") {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_id or patient.identifier is required")
		return
	}
	if req.PatientID != "" && !isValidUUID(req.PatientID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_id must be a UUID when provided")
		return
	}
	if req.Patient != nil && req.Patient.Phone != "" && !isValidPhone(strings.TrimSpace(req.Patient.Phone)) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits, optionally prefixed with +")
		return
	}

	input := queue.CreateEntryRequest{
		RequestID:   req.RequestID,
		DoctorID:    req.DoctorID,
		ServiceID:   req.ServiceID,
		PatientID:   req.PatientID,
		ServiceDate: req.Date,
		Complaint:   strings.TrimSpace(req.Complaint),
	}
	if req.PatientID == "" {
		patient := req.Patient.input()
		input.Patient = &patient
	}

	entry, created, err := h.svc.CreateEntry(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, req.RequestID, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}

type callNextRequest struct {
	DoctorID  string `json:"doctor_id"`
	ServiceID string `json:"service_id"`
	Date      string `json:"date"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, models.PermCallEntry) {
		return
	}
	requestID := requestIDFromRequest(r)

	var req callNextRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if !isValidUUID(req.DoctorID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}
	if req.ServiceID != "" && !isValidUUID(req.ServiceID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "service_id must be a UUID when provided")
		return
	}

	entry, err := h.svc.CallNext(r.Context(), req.DoctorID, strings.TrimSpace(req.Date), req.ServiceID)
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleEntryRoutes serves /api/queue-entries/{id}[/estimate|/events|/actions/{action}].
func (h *Handler) handleEntryRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue-entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	entryID := parts[0]
	if !isValidUUID(entryID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "entry_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetEntry(w, r, entryID)
	case len(parts) == 2 && parts[1] == "estimate":
		h.handleEstimate(w, r, entryID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleEntryEvents(w, r, entryID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleEntryAction(w, r, entryID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, models.PermViewQueue) {
		return
	}
	entry, err := h.svc.GetEntry(r.Context(), entryID)
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	estimate, err := h.svc.GetEstimate(r.Context(), entryID)
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (h *Handler) handleEntryEvents(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, models.PermInspectSessions) {
		return
	}
	events, err := h.svc.EntryEvents(r.Context(), entryID)
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type entryActionRequest struct {
	Reason  string `json:"reason"`
	Minutes int    `json:"minutes"`
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)

	perm, ok := actionPermission(action)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !requirePermission(w, r, perm) {
		return
	}

	var req entryActionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	var (
		entry models.QueueEntry
		err   error
	)
	switch action {
	case "call":
		entry, err = h.svc.Call(r.Context(), entryID)
	case "complete":
		entry, err = h.svc.Complete(r.Context(), entryID)
	case "cancel":
		entry, err = h.svc.Cancel(r.Context(), entryID, strings.TrimSpace(req.Reason))
	case "delay":
		if req.Minutes <= 0 {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "minutes must be a positive integer")
			return
		}
		entry, err = h.svc.AddDelay(r.Context(), entryID, req.Minutes)
	}
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func actionPermission(action string) (models.Permission, bool) {
	switch action {
	case "call":
		return models.PermCallEntry, true
	case "complete":
		return models.PermCompleteEntry, true
	case "cancel":
		return models.PermCancelEntry, true
	case "delay":
		return models.PermReportDelay, true
	default:
		return 0, false
	}
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, models.PermViewQueue) {
		return
	}
	requestID := requestIDFromRequest(r)
	query := r.URL.Query()
	doctorID := strings.TrimSpace(query.Get("doctor_id"))
	if !isValidUUID(doctorID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}
	var statuses []models.Status
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		for _, item := range strings.Split(raw, ",") {
			status, ok := models.ParseStatus(strings.TrimSpace(item))
			if !ok {
				writeError(w, requestID, http.StatusBadRequest, "invalid_request", "unknown status "+item)
				return
			}
			statuses = append(statuses, status)
		}
	}
	entries, err := h.svc.ListQueue(r.Context(), doctorID, strings.TrimSpace(query.Get("date")), statuses)
	if err != nil {
		h.writeServiceError(w, requestID, err)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	if !isValidUUID(doctorID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}
	board, err := h.svc.Board(r.Context(), doctorID, strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleDoctors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, models.PermManageSchedules) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	doctor, err := h.svc.CreateDoctor(r.Context(), req.Name)
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusCreated, doctor)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requirePermission(w, r, models.PermViewQueue) {
			return
		}
		services, err := h.svc.ListServices(r.Context())
		if err != nil {
			h.writeServiceError(w, requestIDFromRequest(r), err)
			return
		}
		if services == nil {
			services = []models.Service{}
		}
		writeJSON(w, http.StatusOK, services)
	case http.MethodPost:
		if !requirePermission(w, r, models.PermManageSchedules) {
			return
		}
		var req struct {
			Name       string `json:"name"`
			Code       string `json:"code"`
			AvgMinutes int    `json:"avg_minutes"`
		}
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		service, err := h.svc.CreateService(r.Context(), models.Service{Name: req.Name, Code: req.Code, AvgMinutes: req.AvgMinutes})
		if err != nil {
			h.writeServiceError(w, requestIDFromRequest(r), err)
			return
		}
		writeJSON(w, http.StatusCreated, service)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createScheduleRequest struct {
	DoctorID   string            `json:"doctor_id"`
	ServiceID  string            `json:"service_id"`
	Weekdays   models.WeekdaySet `json:"weekdays"`
	StartTime  string            `json:"start_time"`
	EndTime    string            `json:"end_time"`
	DailyQuota int               `json:"daily_quota"`
}

func (h *Handler) handleSchedules(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	switch r.Method {
	case http.MethodGet:
		if !requirePermission(w, r, models.PermViewQueue) {
			return
		}
		doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
		if doctorID != "" && !isValidUUID(doctorID) {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID when provided")
			return
		}
		schedules, err := h.svc.ListSchedules(r.Context(), doctorID)
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		if schedules == nil {
			schedules = []models.Schedule{}
		}
		writeJSON(w, http.StatusOK, schedules)
	case http.MethodPost:
		if !requirePermission(w, r, models.PermManageSchedules) {
			return
		}
		var req createScheduleRequest
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.DoctorID = strings.TrimSpace(req.DoctorID)
		req.ServiceID = strings.TrimSpace(req.ServiceID)
		if !isValidUUID(req.DoctorID) || !isValidUUID(req.ServiceID) {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "doctor_id and service_id must be UUIDs")
			return
		}
		schedule, err := h.svc.CreateSchedule(r.Context(), store.CreateScheduleInput{
			DoctorID:   req.DoctorID,
			ServiceID:  req.ServiceID,
			Weekdays:   req.Weekdays,
			StartTime:  strings.TrimSpace(req.StartTime),
			EndTime:    strings.TrimSpace(req.EndTime),
			DailyQuota: req.DailyQuota,
		})
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusCreated, schedule)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleScheduleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "deactivate" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(parts[0]) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "schedule_id must be a UUID")
		return
	}
	if !requirePermission(w, r, models.PermManageSchedules) {
		return
	}
	schedule, err := h.svc.DeactivateSchedule(r.Context(), parts[0])
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

type setQuotaRequest struct {
	ScheduleID string `json:"schedule_id"`
	Date       string `json:"date"`
	Total      *int   `json:"total"`
}

func (h *Handler) handleQuotas(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	switch r.Method {
	case http.MethodGet:
		if !requirePermission(w, r, models.PermViewQueue) {
			return
		}
		scheduleID := strings.TrimSpace(r.URL.Query().Get("schedule_id"))
		if !isValidUUID(scheduleID) {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "schedule_id must be a UUID")
			return
		}
		quota, err := h.svc.GetQuota(r.Context(), scheduleID, strings.TrimSpace(r.URL.Query().Get("date")))
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, quota)
	case http.MethodPut:
		if !requirePermission(w, r, models.PermManageQuotas) {
			return
		}
		var req setQuotaRequest
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.ScheduleID = strings.TrimSpace(req.ScheduleID)
		req.Date = strings.TrimSpace(req.Date)
		if !isValidUUID(req.ScheduleID) || req.Date == "" || req.Total == nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "schedule_id, date, and total are required")
			return
		}
		quota, err := h.svc.SetQuota(r.Context(), req.ScheduleID, req.Date, *req.Total)
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, quota)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePatients(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	switch r.Method {
	case http.MethodGet:
		if !requirePermission(w, r, models.PermManagePatients) {
			return
		}
		patient, err := h.svc.FindPatient(r.Context(), r.URL.Query().Get("identifier"))
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, patient)
	case http.MethodPost:
		if !requirePermission(w, r, models.PermManagePatients) {
			return
		}
		var req patientPayload
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		input := req.input()
		if input.Phone != "" && !isValidPhone(input.Phone) {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits, optionally prefixed with +")
			return
		}
		patient, err := h.svc.CreatePatient(r.Context(), input)
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, patient)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePatientRoutes serves /api/patients/{id} and /api/patients/{id}/mrn.
func (h *Handler) handlePatientRoutes(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromRequest(r)
	path := strings.TrimPrefix(r.URL.Path, "/api/patients/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if !isValidUUID(parts[0]) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "patient_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !requirePermission(w, r, models.PermManagePatients) {
			return
		}
		patient, err := h.svc.GetPatient(r.Context(), parts[0])
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, patient)
	case len(parts) == 2 && parts[1] == "mrn":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !requirePermission(w, r, models.PermAssignMRN) {
			return
		}
		patient, err := h.svc.AssignMRN(r.Context(), parts[0])
		if err != nil {
			h.writeServiceError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, patient)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requirePermission(w, r, models.PermInspectSessions) {
		return
	}
	sessions, err := h.sessions.ListActiveSessions(r.Context(), h.now().UTC())
	if err != nil {
		h.writeServiceError(w, requestIDFromRequest(r), err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	value = strings.TrimPrefix(value, "+")
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// decodeJSON rejects unknown fields. allowEmpty accepts a missing body for
// actions whose fields are all optional.
func decodeJSON(r *http.Request, target any, allowEmpty bool) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func (h *Handler) writeServiceError(w http.ResponseWriter, requestID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "request_id", requestID, "err", err)
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrDoctorNotFound):
		return http.StatusNotFound, "doctor_not_found", "doctor not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrScheduleNotFound):
		return http.StatusNotFound, "schedule_not_found", "schedule not found"
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrNoWaitingEntry):
		return http.StatusNotFound, "no_waiting_entry", "no waiting entry in this queue"
	case errors.Is(err, store.ErrNoSchedule):
		return http.StatusNotFound, "no_schedule", "doctor has no active schedule on this date"
	case errors.Is(err, store.ErrQuotaExhausted):
		return http.StatusConflict, "quota_exhausted", "daily quota is exhausted"
	case errors.Is(err, store.ErrQuotaBelowUsed):
		return http.StatusConflict, "quota_below_used", "quota total cannot be lower than used quota"
	case errors.Is(err, store.ErrScheduleConflict):
		return http.StatusConflict, "schedule_conflict", "schedule overlaps an active schedule"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "entry state does not allow this action"
	case errors.Is(err, store.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate_entry", "patient already queued for this doctor and date"
	case errors.Is(err, store.ErrDuplicatePatient):
		return http.StatusConflict, "duplicate_patient", "patient identifier already registered"
	case errors.Is(err, store.ErrNoEstimate):
		return http.StatusConflict, "no_estimate", "entry is not waiting for a call"
	case errors.Is(err, store.ErrMRNAssigned):
		return http.StatusConflict, "mrn_assigned", "medical record number already assigned"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
