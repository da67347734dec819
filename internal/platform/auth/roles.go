package auth

import "strings"

type Role string

const (
	RoleSuperAdmin   Role = "SUPERADMIN"
	RoleModerator    Role = "MODERATOR"
	RoleOps          Role = "OPS"
	RoleAdmin        Role = "ADMIN"
	RolePatient      Role = "PATIENT"
	RoleDoctor       Role = "DOCTOR"
	RoleNurse        Role = "NURSE"
	RoleReceptionist Role = "RECEPTIONIST"
)

var knownRoles = map[Role]bool{
	RoleSuperAdmin:   true,
	RoleModerator:    true,
	RoleOps:          true,
	RoleAdmin:        true,
	RolePatient:      true,
	RoleDoctor:       true,
	RoleNurse:        true,
	RoleReceptionist: true,
}

// ParseRole accepts any casing of a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, knownRoles[r]
}

// IsStaff reports whether the role works the front desk and may take cash.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleReceptionist
}
