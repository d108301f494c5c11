package store

import "errors"

var (
	ErrEntryNotFound     = errors.New("queue entry not found")
	ErrDoctorNotFound    = errors.New("doctor not found")
	ErrServiceNotFound   = errors.New("service not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrNoSchedule        = errors.New("doctor has no active schedule on this date")
	ErrScheduleConflict  = errors.New("schedule conflict")
	ErrQuotaExhausted    = errors.New("quota exhausted")
	ErrQuotaBelowUsed    = errors.New("quota total below used")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDuplicateEntry    = errors.New("patient already queued for this doctor and date")
	ErrDuplicatePatient  = errors.New("patient identifier already registered")
	ErrNoWaitingEntry    = errors.New("no waiting entry")
	ErrNoEstimate        = errors.New("entry has no estimate")
	ErrMRNAssigned       = errors.New("medical record number already assigned")
	ErrSessionNotFound   = errors.New("session not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrLeaseHeld         = errors.New("lease held by another holder")
)
