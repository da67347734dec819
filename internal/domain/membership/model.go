// Package membership answers whether a patient or doctor belongs to a
// tenant. Memberships live in the shared schema and are the only way one
// tenant's data refers to platform-wide people.
package membership

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

// MaxDoctorCodeLen bounds the code embedded in appointment identifiers.
const MaxDoctorCodeLen = 3

type DoctorMembership struct {
	ID          uuid.UUID `json:"id"`
	DoctorID    uuid.UUID `json:"doctorId"`
	TenantSlug  string    `json:"tenantSlug"`
	Status      Status    `json:"status"`
	Code        *string   `json:"code,omitempty"`
	DoctorCode  *string   `json:"doctorCode,omitempty"`
	Designation *string   `json:"designation,omitempty"`
	Seating     *string   `json:"seating,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// QueueCode is the code used in appointment identifiers: the tenant-level
// code when set, the doctor's own code otherwise.
func (m *DoctorMembership) QueueCode() string {
	if m.Code != nil && *m.Code != "" {
		return *m.Code
	}
	if m.DoctorCode != nil {
		return *m.DoctorCode
	}
	return ""
}

type PatientMembership struct {
	ID                  uuid.UUID `json:"id"`
	PatientID           uuid.UUID `json:"patientId"`
	TenantSlug          string    `json:"tenantSlug"`
	Status              Status    `json:"status"`
	ShareMedicalHistory bool      `json:"shareMedicalHistory"`
	TenantMRN           *string   `json:"tenantMrn,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}
