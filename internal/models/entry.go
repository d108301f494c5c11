package models

import "time"

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusServing  Status = "serving"
	StatusFinished Status = "finished"
	StatusCanceled Status = "canceled"
)

func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusWaiting, StatusServing, StatusFinished, StatusCanceled:
		return Status(raw), true
	}
	return "", false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCanceled
}

// Live reports whether an entry with this status still holds a place in the queue.
func (s Status) Live() bool {
	return s == StatusWaiting || s == StatusServing
}

type QueueEntry struct {
	EntryID           string     `json:"entry_id"`
	RequestID         string     `json:"request_id,omitempty"`
	DoctorID          string     `json:"doctor_id"`
	ServiceID         string     `json:"service_id"`
	ScheduleID        string     `json:"schedule_id"`
	PatientID         string     `json:"patient_id"`
	ServiceDate       string     `json:"service_date"`
	QueueNumber       int        `json:"queue_number"`
	TicketNumber      string     `json:"ticket_number"`
	Status            Status     `json:"status"`
	Complaint         string     `json:"complaint,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	ServedAt          *time.Time `json:"served_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	EstimatedCallTime *time.Time `json:"estimated_call_time,omitempty"`
	ExtraDelayMinutes int        `json:"extra_delay_minutes"`
	ReminderSentAt    *time.Time `json:"reminder_sent_at,omitempty"`
	ReminderFailedAt  *time.Time `json:"reminder_failed_at,omitempty"`
	ReminderError     string     `json:"reminder_error,omitempty"`
	ReminderAttempts  int        `json:"reminder_attempts,omitempty"`
}

// DateLayout is the layout of QueueEntry.ServiceDate and quota dates.
const DateLayout = "2006-01-02"

func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout, raw, loc)
}
