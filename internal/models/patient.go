package models

import "time"

type Patient struct {
	PatientID           string     `json:"patient_id"`
	Identifier          string     `json:"identifier"`
	Name                string     `json:"name"`
	Phone               string     `json:"phone,omitempty"`
	Email               string     `json:"email,omitempty"`
	DeviceToken         string     `json:"device_token,omitempty"`
	MedicalRecordNumber *string    `json:"medical_record_number,omitempty"`
	MRNAssignedAt       *time.Time `json:"mrn_assigned_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (p Patient) HasMRN() bool {
	return p.MedicalRecordNumber != nil && *p.MedicalRecordNumber != ""
}
