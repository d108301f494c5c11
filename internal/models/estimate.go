package models

import "time"

type EstimateLabel string

const (
	LabelOnTime  EstimateLabel = "on_time"
	LabelDelayed EstimateLabel = "delayed"
)

type Estimate struct {
	EntryID           string        `json:"entry_id"`
	Status            Status        `json:"status"`
	Position          int           `json:"position"`
	EstimatedCallTime time.Time     `json:"estimated_call_time"`
	Label             EstimateLabel `json:"label"`
	DelayMinutes      int           `json:"delay_minutes"`
}

type BoardEntry struct {
	EntryID           string        `json:"entry_id"`
	TicketNumber      string        `json:"ticket_number"`
	QueueNumber       int           `json:"queue_number"`
	Status            Status        `json:"status"`
	Position          int           `json:"position"`
	EstimatedCallTime *time.Time    `json:"estimated_call_time,omitempty"`
	Label             EstimateLabel `json:"label,omitempty"`
	DelayMinutes      int           `json:"delay_minutes,omitempty"`
}

// Board is the display snapshot of one doctor's queue on one date.
type Board struct {
	DoctorID    string       `json:"doctor_id"`
	ServiceDate string       `json:"service_date"`
	GeneratedAt time.Time    `json:"generated_at"`
	Serving     []BoardEntry `json:"serving"`
	Waiting     []BoardEntry `json:"waiting"`
}
