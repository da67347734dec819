package membership

import (
	"context"

	"github.com/google/uuid"

	"github.com/polyclinic/clinic/internal/platform/db"
)

// Repository reads ACTIVE memberships. Every method returns an apperr
// NotFound error when the person has no active membership in the tenant.
type Repository interface {
	ActiveDoctor(ctx context.Context, q db.Queryer, tenant string, doctorID uuid.UUID) (*DoctorMembership, error)
	ActivePatient(ctx context.Context, q db.Queryer, tenant string, patientID uuid.UUID) (*PatientMembership, error)

	// DoctorForUser and PatientForUser find the profile a signed-in user
	// acts as, through doctors.user_id and patients.user_id.
	DoctorForUser(ctx context.Context, q db.Queryer, tenant string, userID uuid.UUID) (*DoctorMembership, error)
	PatientForUser(ctx context.Context, q db.Queryer, tenant string, userID uuid.UUID) (*PatientMembership, error)
}
