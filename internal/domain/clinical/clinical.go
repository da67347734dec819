// Package clinical writes the platform-wide history of completed
// consultations into the shared schema.
package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polyclinic/clinic/internal/platform/db"
)

type RecordType string

const (
	RecordAppointmentNote RecordType = "APPOINTMENT_NOTE"
	RecordPrescription    RecordType = "PRESCRIPTION"
)

// Encounter is a completed consultation as seen by the history writer.
type Encounter struct {
	QueueID         uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	AID             string
	AppointmentDate time.Time
	OccurredAt      time.Time
	Title           *string
	Notes           *string
	Prescription    *string
}

type Record struct {
	ID           uuid.UUID      `json:"id"`
	PatientID    uuid.UUID      `json:"patientId"`
	SourceTenant string         `json:"sourceTenantSlug"`
	EncounterRef string         `json:"encounterRef"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Type         RecordType     `json:"recordType"`
	Payload      map[string]any `json:"payload"`
}

func present(s *string) bool { return s != nil && *s != "" }

// RecordsFor returns the records a completed encounter produces: a note when
// it has a title or notes, a prescription when it has one.
func RecordsFor(tenant string, enc Encounter) []Record {
	base := func() map[string]any {
		return map[string]any{
			"title":           enc.Title,
			"doctorId":        enc.DoctorID,
			"aid":             enc.AID,
			"queueId":         enc.QueueID,
			"appointmentDate": enc.AppointmentDate.Format("2006-01-02"),
		}
	}

	var out []Record
	if present(enc.Title) || present(enc.Notes) {
		p := base()
		p["notes"] = enc.Notes
		out = append(out, newRecord(tenant, enc, RecordAppointmentNote, p))
	}
	if present(enc.Prescription) {
		p := base()
		p["prescription"] = enc.Prescription
		out = append(out, newRecord(tenant, enc, RecordPrescription, p))
	}
	return out
}

func newRecord(tenant string, enc Encounter, t RecordType, payload map[string]any) Record {
	return Record{
		ID:           uuid.New(),
		PatientID:    enc.PatientID,
		SourceTenant: tenant,
		EncounterRef: enc.QueueID.String(),
		OccurredAt:   enc.OccurredAt,
		Type:         t,
		Payload:      payload,
	}
}

// Writer is implemented by the Postgres history writer.
type Writer interface {
	WriteEncounter(ctx context.Context, q db.Queryer, tenant string, enc Encounter) (int, error)
}

type writerPG struct {
	insertSQL string
}

func NewWriterPG(sharedSchema string) Writer {
	return &writerPG{
		insertSQL: fmt.Sprintf(`
			INSERT INTO %s.patient_clinical_records
				(id, patient_id, source_tenant_slug, encounter_ref, occurred_at, record_type, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (patient_id, encounter_ref, record_type) DO NOTHING`,
			pgx.Identifier{sharedSchema}.Sanitize()),
	}
}

// WriteEncounter stores the encounter's records and reports how many were
// new. Writing the same encounter again is a no-op.
func (w *writerPG) WriteEncounter(ctx context.Context, q db.Queryer, tenant string, enc Encounter) (int, error) {
	inserted := 0
	for _, r := range RecordsFor(tenant, enc) {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return inserted, fmt.Errorf("marshal %s payload: %w", r.Type, err)
		}
		tag, err := q.Exec(ctx, w.insertSQL,
			r.ID, r.PatientID, r.SourceTenant, r.EncounterRef, r.OccurredAt, string(r.Type), payload)
		if err != nil {
			return inserted, fmt.Errorf("insert %s record: %w", r.Type, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
