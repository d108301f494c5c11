package sqlite

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
)

const patientColumns = `patient_id, identifier, name, phone, email, device_token, medical_record_number, mrn_assigned_at, created_at`

func scanPatient(row rowScanner) (models.Patient, error) {
	var patient models.Patient
	var phone, email, token, mrn sql.NullString
	var assignedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&patient.PatientID, &patient.Identifier, &patient.Name, &phone, &email, &token, &mrn, &assignedAt, &createdAt); err != nil {
		return models.Patient{}, err
	}
	patient.Phone = phone.String
	patient.Email = email.String
	patient.DeviceToken = token.String
	patient.MedicalRecordNumber = nullStringPtr(mrn)
	patient.MRNAssignedAt = nullTimePtr(assignedAt)
	patient.CreatedAt = fromMillis(createdAt)
	return patient, nil
}

func getPatient(ctx context.Context, q queryer, patientID string) (models.Patient, error) {
	patient, err := scanPatient(q.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE patient_id = ?`, patientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

// CreatePatient returns the existing patient with created=false when the identifier is known.
func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, bool, error) {
	identifier := strings.TrimSpace(input.Identifier)
	var patient models.Patient
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanPatient(tx.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE identifier = ?`, identifier))
		if err == nil {
			patient = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		patient = models.Patient{
			PatientID:   uuid.NewString(),
			Identifier:  identifier,
			Name:        strings.TrimSpace(input.Name),
			Phone:       strings.TrimSpace(input.Phone),
			Email:       strings.TrimSpace(input.Email),
			DeviceToken: strings.TrimSpace(input.DeviceToken),
			CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO patients (patient_id, identifier, name, phone, email, device_token, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, patient.PatientID, patient.Identifier, patient.Name, nullIfEmpty(patient.Phone), nullIfEmpty(patient.Email),
			nullIfEmpty(patient.DeviceToken), toMillis(patient.CreatedAt)); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicatePatient
			}
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.Patient{}, false, err
	}
	return patient, created, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	return getPatient(ctx, s.db, patientID)
}

func (s *Store) FindPatientByIdentifier(ctx context.Context, identifier string) (models.Patient, error) {
	patient, err := scanPatient(s.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE identifier = ?`, strings.TrimSpace(identifier)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

// AssignMRN sets the medical record number once. assigned is false when the
// patient already had one, in which case the stored number is returned unchanged.
func (s *Store) AssignMRN(ctx context.Context, patientID string, at time.Time) (models.Patient, bool, error) {
	var patient models.Patient
	assigned := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getPatient(ctx, tx, patientID)
		if err != nil {
			return err
		}
		if current.HasMRN() {
			patient = current
			return nil
		}

		var next int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO mrn_sequences (prefix, next_number) VALUES (?, 1)
			ON CONFLICT (prefix) DO UPDATE SET next_number = mrn_sequences.next_number + 1
			RETURNING next_number
		`, s.options.MRNPrefix).Scan(&next); err != nil {
			return err
		}
		mrn := fmt.Sprintf("%s%0*d", s.options.MRNPrefix, store.MRNPad, next)

		updated, err := scanPatient(tx.QueryRowContext(ctx, `
			UPDATE patients SET medical_record_number = ?, mrn_assigned_at = ?
			WHERE patient_id = ? AND medical_record_number IS NULL
			RETURNING `+patientColumns, mrn, toMillis(at), patientID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				patient, err = getPatient(ctx, tx, patientID)
				return err
			}
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"patient_id":            updated.PatientID,
			"medical_record_number": mrn,
			"assigned_at":           at.UTC(),
		})
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, store.PatientEventMRN, updated.PatientID, payload, time.Now().UTC()); err != nil {
			return err
		}
		patient = updated
		assigned = true
		return nil
	})
	if err != nil {
		return models.Patient{}, false, err
	}
	return patient, assigned, nil
}
