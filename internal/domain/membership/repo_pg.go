package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/db"
)

type repoPG struct {
	doctorSQL  string
	patientSQL string
}

// NewRepoPG reads memberships from the given shared schema.
func NewRepoPG(sharedSchema string) Repository {
	s := pgx.Identifier{sharedSchema}.Sanitize()
	return &repoPG{
		doctorSQL: fmt.Sprintf(`
			SELECT m.id, m.doctor_id, m.tenant_slug, m.status, m.code, d.code,
				m.designation, m.seating, m.created_at
			FROM %[1]s.doctor_tenant_memberships m
			JOIN %[1]s.doctors d ON d.id = m.doctor_id
			WHERE m.tenant_slug = $2 AND m.status = 'ACTIVE'`, s),
		patientSQL: fmt.Sprintf(`
			SELECT m.id, m.patient_id, m.tenant_slug, m.status, m.share_medical_history, m.tenant_mrn, m.created_at
			FROM %[1]s.patient_tenant_memberships m
			JOIN %[1]s.patients p ON p.id = m.patient_id
			WHERE m.tenant_slug = $2 AND m.status = 'ACTIVE'`, s),
	}
}

func (r *repoPG) doctor(ctx context.Context, q db.Queryer, where string, key uuid.UUID, tenant string) (*DoctorMembership, error) {
	var m DoctorMembership
	err := q.QueryRow(ctx, r.doctorSQL+" AND "+where+" LIMIT 1", key, tenant).Scan(
		&m.ID, &m.DoctorID, &m.TenantSlug, &m.Status, &m.Code, &m.DoctorCode,
		&m.Designation, &m.Seating, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repoPG) patient(ctx context.Context, q db.Queryer, where string, key uuid.UUID, tenant string) (*PatientMembership, error) {
	var m PatientMembership
	err := q.QueryRow(ctx, r.patientSQL+" AND "+where+" LIMIT 1", key, tenant).Scan(
		&m.ID, &m.PatientID, &m.TenantSlug, &m.Status, &m.ShareMedicalHistory, &m.TenantMRN, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repoPG) ActiveDoctor(ctx context.Context, q db.Queryer, tenant string, doctorID uuid.UUID) (*DoctorMembership, error) {
	m, err := r.doctor(ctx, q, "m.doctor_id = $1", doctorID, tenant)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("doctor %s is not an active member of %s", doctorID, tenant)
	}
	if err != nil {
		return nil, fmt.Errorf("load doctor membership: %w", err)
	}
	return m, nil
}

func (r *repoPG) ActivePatient(ctx context.Context, q db.Queryer, tenant string, patientID uuid.UUID) (*PatientMembership, error) {
	m, err := r.patient(ctx, q, "m.patient_id = $1", patientID, tenant)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("patient %s is not an active member of %s", patientID, tenant)
	}
	if err != nil {
		return nil, fmt.Errorf("load patient membership: %w", err)
	}
	return m, nil
}

func (r *repoPG) DoctorForUser(ctx context.Context, q db.Queryer, tenant string, userID uuid.UUID) (*DoctorMembership, error) {
	m, err := r.doctor(ctx, q, "d.user_id = $1", userID, tenant)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("no active doctor profile for user %s in %s", userID, tenant)
	}
	if err != nil {
		return nil, fmt.Errorf("load doctor profile: %w", err)
	}
	return m, nil
}

func (r *repoPG) PatientForUser(ctx context.Context, q db.Queryer, tenant string, userID uuid.UUID) (*PatientMembership, error) {
	m, err := r.patient(ctx, q, "p.user_id = $1", userID, tenant)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("no active patient profile for user %s in %s", userID, tenant)
	}
	if err != nil {
		return nil, fmt.Errorf("load patient profile: %w", err)
	}
	return m, nil
}
