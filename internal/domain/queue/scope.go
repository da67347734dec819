package queue

import (
	"time"

	"github.com/google/uuid"
)

// Scope narrows queue lookups to the entries one caller may see. A nil
// field leaves that column unfiltered; the zero Scope sees every entry.
type Scope struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
}

// Allows reports whether e falls inside the scope.
func (sc Scope) Allows(e *Entry) bool {
	if sc.PatientID != nil && e.PatientID != *sc.PatientID {
		return false
	}
	if sc.DoctorID != nil && e.DoctorID != *sc.DoctorID {
		return false
	}
	return true
}

// ListFilter selects the caller's appointments for List. A nil Date lists
// every day.
type ListFilter struct {
	Scope Scope
	Date  *time.Time
}
