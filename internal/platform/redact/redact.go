// Package redact hides contact details of one party from viewers who are not
// entitled to them.
package redact

import "github.com/polyclinic/clinic/internal/platform/auth"

const mask = "*****"

type roleSet uint16

var roleBits = map[auth.Role]roleSet{
	auth.RoleSuperAdmin:   1 << 0,
	auth.RoleModerator:    1 << 1,
	auth.RoleOps:          1 << 2,
	auth.RoleAdmin:        1 << 3,
	auth.RolePatient:      1 << 4,
	auth.RoleDoctor:       1 << 5,
	auth.RoleNurse:        1 << 6,
	auth.RoleReceptionist: 1 << 7,
}

func setOf(roles ...auth.Role) roleSet {
	var s roleSet
	for _, r := range roles {
		s |= roleBits[r]
	}
	return s
}

// hiddenFrom maps a viewer role to the subject roles whose fields it sees
// masked. Viewers missing from the table see everything.
var hiddenFrom = map[auth.Role]roleSet{
	auth.RolePatient: setOf(
		auth.RoleDoctor, auth.RoleAdmin, auth.RoleReceptionist, auth.RoleNurse,
		auth.RoleSuperAdmin, auth.RoleModerator, auth.RoleOps,
	),
	auth.RoleDoctor: setOf(auth.RoleAdmin, auth.RoleSuperAdmin),
}

// Hidden reports whether viewer must see subject's fields masked. An empty
// viewer means an internal caller and is never restricted.
func Hidden(viewer, subject auth.Role) bool {
	if viewer == "" {
		return false
	}
	return hiddenFrom[viewer]&roleBits[subject] != 0
}

// Mask keeps the first and last three characters of s. Values too short to
// keep anything are masked entirely.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 6 {
		return mask
	}
	return string(r[:3]) + mask + string(r[len(r)-3:])
}

// Field returns value as viewer may see it. A nil value stays nil.
func Field(value *string, viewer, subject auth.Role) *string {
	if value == nil || !Hidden(viewer, subject) {
		return value
	}
	m := Mask(*value)
	return &m
}
