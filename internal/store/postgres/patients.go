package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const patientColumns = `patient_id::text, identifier, name, phone, email, device_token, medical_record_number,
	mrn_assigned_at, created_at`

func scanPatient(row rowScanner) (models.Patient, error) {
	var patient models.Patient
	var phone, email, token, mrn sql.NullString
	var assignedAt sql.NullTime
	if err := row.Scan(&patient.PatientID, &patient.Identifier, &patient.Name, &phone, &email, &token, &mrn, &assignedAt, &patient.CreatedAt); err != nil {
		return models.Patient{}, err
	}
	patient.Phone = phone.String
	patient.Email = email.String
	patient.DeviceToken = token.String
	patient.MedicalRecordNumber = nullStringPtr(mrn)
	patient.MRNAssignedAt = nullTimePtr(assignedAt)
	patient.CreatedAt = patient.CreatedAt.UTC()
	return patient, nil
}

func getPatient(ctx context.Context, q queryer, patientID string, forUpdate bool) (models.Patient, error) {
	if !validUUID(patientID) {
		return models.Patient{}, store.ErrPatientNotFound
	}
	query := `SELECT ` + patientColumns + ` FROM patients WHERE patient_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	patient, err := scanPatient(q.QueryRow(ctx, query, patientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, bool, error) {
	patient := models.Patient{
		PatientID:   uuid.NewString(),
		Identifier:  strings.TrimSpace(input.Identifier),
		Name:        strings.TrimSpace(input.Name),
		Phone:       strings.TrimSpace(input.Phone),
		Email:       strings.TrimSpace(input.Email),
		DeviceToken: strings.TrimSpace(input.DeviceToken),
		CreatedAt:   pgTime(time.Now()),
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO patients (patient_id, identifier, name, phone, email, device_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identifier) DO NOTHING
	`, patient.PatientID, patient.Identifier, patient.Name, nullIfEmpty(patient.Phone), nullIfEmpty(patient.Email),
		nullIfEmpty(patient.DeviceToken), patient.CreatedAt)
	if err != nil {
		return models.Patient{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return patient, true, nil
	}
	existing, err := s.FindPatientByIdentifier(ctx, patient.Identifier)
	if err != nil {
		return models.Patient{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	return getPatient(ctx, s.pool, patientID, false)
}

func (s *Store) FindPatientByIdentifier(ctx context.Context, identifier string) (models.Patient, error) {
	patient, err := scanPatient(s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE identifier = $1`, strings.TrimSpace(identifier)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

// AssignMRN locks the patient row, so the counter only advances for a patient
// that has no number yet.
func (s *Store) AssignMRN(ctx context.Context, patientID string, at time.Time) (models.Patient, bool, error) {
	var patient models.Patient
	assigned := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := getPatient(ctx, tx, patientID, true)
		if err != nil {
			return err
		}
		if current.HasMRN() {
			patient = current
			return nil
		}

		var next int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO mrn_sequences (prefix, next_number) VALUES ($1, 1)
			ON CONFLICT (prefix) DO UPDATE SET next_number = mrn_sequences.next_number + 1
			RETURNING next_number
		`, s.options.MRNPrefix).Scan(&next); err != nil {
			return err
		}
		mrn := fmt.Sprintf("%s%0*d", s.options.MRNPrefix, store.MRNPad, next)

		patient, err = scanPatient(tx.QueryRow(ctx, `
			UPDATE patients SET medical_record_number = $1, mrn_assigned_at = $2
			WHERE patient_id = $3 AND medical_record_number IS NULL
			RETURNING `+patientColumns, mrn, pgTime(at), patientID))
		if err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"patient_id":            patient.PatientID,
			"medical_record_number": mrn,
			"assigned_at":           at.UTC(),
		})
		if err != nil {
			return err
		}
		assigned = true
		return insertOutbox(ctx, tx, store.PatientEventMRN, patient.PatientID, payload, pgTime(time.Now()))
	})
	if err != nil {
		return models.Patient{}, false, err
	}
	return patient, assigned, nil
}
