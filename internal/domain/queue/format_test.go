package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/polyclinic/clinic/internal/platform/auth"
)

func partyEntry() *Entry {
	pName, pEmail, pPhone := "Asha Rao", "asha.rao@example.com", "9876543210"
	dName, dEmail, dPhone := "Dr. Mehta", "mehta@clinic.example", "9123456780"
	return &Entry{
		ID:              uuid.New(),
		AppointmentDate: time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC),
		Status:          StatusBooked,
		Patient:         &Party{ID: uuid.New(), Name: &pName, Email: &pEmail, Phone: &pPhone},
		Doctor:          &Party{ID: uuid.New(), Name: &dName, Email: &dEmail, Phone: &dPhone},
	}
}

func TestFormat_PatientSeesDoctorMasked(t *testing.T) {
	e := partyEntry()
	got := Format(e, auth.RolePatient)

	if *got.Doctor.Email != "meh*****ple" {
		t.Errorf("expected masked doctor email, got %s", *got.Doctor.Email)
	}
	if *got.Doctor.Phone != "912*****780" {
		t.Errorf("expected masked doctor phone, got %s", *got.Doctor.Phone)
	}
	if *got.Doctor.Name != "Dr. Mehta" {
		t.Error("names are never masked")
	}
	if *got.Patient.Email != "asha.rao@example.com" {
		t.Error("a patient's own details are not masked")
	}
	if *e.Doctor.Email != "mehta@clinic.example" {
		t.Error("Format must not modify the entry")
	}
}

func TestFormat_StaffSeesEverything(t *testing.T) {
	e := partyEntry()
	for _, viewer := range []auth.Role{auth.RoleAdmin, auth.RoleReceptionist, auth.RoleDoctor} {
		got := Format(e, viewer)
		if *got.Doctor.Email != *e.Doctor.Email || *got.Patient.Phone != *e.Patient.Phone {
			t.Errorf("%s: expected unmasked details", viewer)
		}
	}
}

func TestFormat_NilParties(t *testing.T) {
	e := &Entry{ID: uuid.New(), AppointmentDate: time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)}
	got := Format(e, auth.RolePatient)
	if got.Patient != nil || got.Doctor != nil {
		t.Error("expected nil parties to stay nil")
	}
	if got.AppointmentDate != "2026-01-17" {
		t.Errorf("expected 2026-01-17, got %s", got.AppointmentDate)
	}
	if Format(nil, auth.RoleAdmin) != nil {
		t.Error("expected nil for a nil entry")
	}
}

func TestFormatView_CarriesNeighbours(t *testing.T) {
	a := entry(1, StatusCalled, 0)
	b := entry(2, StatusBooked, 0)
	done := entry(0, StatusCompleted, 0)
	for _, e := range []*Entry{a, b, done} {
		e.AppointmentDate = time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	}
	v := Partition([]*Entry{a, b, done}, nil, a.AppointmentDate)

	resp := FormatView(v, auth.RoleAdmin)
	if resp.Current == nil || resp.Current.ID != a.ID {
		t.Fatal("expected the called entry to be current")
	}
	if resp.Current.NextQueueID == nil || *resp.Current.NextQueueID != b.ID {
		t.Error("expected nextQueueId")
	}
	if resp.Current.PreviousQueueID == nil || *resp.Current.PreviousQueueID != done.ID {
		t.Error("expected previousQueueId")
	}
	if len(resp.Next) != 1 || len(resp.Previous) != 1 {
		t.Errorf("unexpected sizes next=%d previous=%d", len(resp.Next), len(resp.Previous))
	}
	if resp.MetaData.AppointmentDate != "2026-01-17" {
		t.Errorf("unexpected meta date %s", resp.MetaData.AppointmentDate)
	}
}
