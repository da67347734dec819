// Package queue books appointment slots into a doctor's daily queue and
// moves entries through the consultation lifecycle.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/auth"
)

type Status string

const (
	StatusPaymentPending Status = "PAYMENT_PENDING"
	StatusPaymentFailed  Status = "PAYMENT_FAILED"
	StatusBooked         Status = "BOOKED"
	StatusCalled         Status = "CALLED"
	StatusInConsultation Status = "IN_CONSULTATION"
	StatusSkipped        Status = "SKIPPED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal entries are shown as previous in the live view.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Unpaid entries wait on a payment and are kept out of the live view.
func (s Status) Unpaid() bool {
	return s == StatusPaymentPending || s == StatusPaymentFailed
}

type PaymentMode string

const (
	PaymentCash   PaymentMode = "CASH"
	PaymentOnline PaymentMode = "ONLINE"
)

func (m PaymentMode) Valid() bool {
	return m == PaymentCash || m == PaymentOnline
}

// Counter tracks how often an entry was skipped, clocked in and called.
type Counter struct {
	Skip    int `json:"skip"`
	ClockIn int `json:"clockIn"`
	Call    int `json:"call"`
}

type Cancellation struct {
	By     uuid.UUID `json:"by"`
	Remark *string   `json:"remark,omitempty"`
}

// Party is the contact card of a patient or doctor joined from the shared
// schema for display.
type Party struct {
	ID             uuid.UUID `json:"id"`
	Name           *string   `json:"name"`
	Email          *string   `json:"email"`
	Phone          *string   `json:"phone"`
	Gender         *string   `json:"gender,omitempty"`
	Age            *int      `json:"age,omitempty"`
	Specialization *string   `json:"specialization,omitempty"`
}

type Entry struct {
	ID              uuid.UUID     `json:"id"`
	AID             string        `json:"aid"`
	PatientID       uuid.UUID     `json:"patientId"`
	DoctorID        uuid.UUID     `json:"doctorId"`
	BookedBy        *uuid.UUID    `json:"bookedBy,omitempty"`
	AppointmentDate time.Time     `json:"appointmentDate"`
	SequenceNumber  int           `json:"sequenceNumber"`
	Status          Status        `json:"status"`
	PaymentMode     PaymentMode   `json:"paymentMode"`
	PaymentID       *uuid.UUID    `json:"paymentId,omitempty"`
	Counter         Counter       `json:"counter"`
	Cancellation    *Cancellation `json:"cancellation,omitempty"`
	Notes           *string       `json:"notes,omitempty"`
	Title           *string       `json:"title,omitempty"`
	Prescription    *string       `json:"prescription,omitempty"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	CompletedBy     *uuid.UUID    `json:"completedBy,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`

	Patient *Party `json:"-"`
	Doctor  *Party `json:"-"`
}

const (
	dateLayout    = "2006-01-02"
	dateKeyLayout = "20060102"
	aidDateLayout = "060102"
)

// DateOf drops the clock of t, keeping its calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD appointment date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, apperr.Validationf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// DateKey is the compact day used in sequence names and event channels.
func DateKey(date time.Time) string {
	return date.Format(dateKeyLayout)
}

// AppointmentID renders the human readable identifier of a booking:
// YYMMDD, the doctor's code, then the token padded to three digits.
func AppointmentID(date time.Time, code string, seq int) string {
	return fmt.Sprintf("%s%s%03d", date.Format(aidDateLayout), code, seq)
}

// InitialStatus decides where a new booking starts. Only front-desk staff
// can take cash on the spot; everyone else waits on a payment.
func InitialStatus(mode PaymentMode, role auth.Role) Status {
	switch {
	case mode == PaymentCash && role.IsStaff():
		return StatusBooked
	case mode == PaymentCash:
		return StatusPaymentPending
	default:
		return StatusPaymentFailed
	}
}

// DuplicatePolicy selects which callers are refused a second booking with
// the same doctor on the same day.
type DuplicatePolicy string

const (
	DuplicatePatient DuplicatePolicy = "patient"
	DuplicateAll     DuplicatePolicy = "all"
	DuplicateNone    DuplicatePolicy = "none"
)

// Applies reports whether the duplicate check runs for a caller with role.
func (p DuplicatePolicy) Applies(role auth.Role) bool {
	switch p {
	case DuplicateAll:
		return true
	case DuplicateNone:
		return false
	default:
		return role == auth.RolePatient
	}
}

type Action string

const (
	ActionConfirmPayment Action = "confirm_payment"
	ActionCall           Action = "call"
	ActionSkip           Action = "skip"
	ActionClockIn        Action = "clock_in"
	ActionComplete       Action = "complete"
	ActionCancel         Action = "cancel"
)

type transition struct {
	from []Status
	to   Status
}

var transitions = map[Action]transition{
	ActionConfirmPayment: {from: []Status{StatusPaymentPending, StatusPaymentFailed}, to: StatusBooked},
	ActionCall:           {from: []Status{StatusBooked, StatusSkipped, StatusCalled}, to: StatusCalled},
	ActionClockIn:        {from: []Status{StatusCalled}, to: StatusInConsultation},
	ActionComplete:       {from: []Status{StatusInConsultation, StatusCompleted}, to: StatusCompleted},
	ActionSkip:           {from: []Status{StatusBooked, StatusSkipped, StatusCalled, StatusInConsultation}, to: StatusSkipped},
	ActionCancel:         {from: []Status{StatusPaymentPending, StatusPaymentFailed}, to: StatusCancelled},
}

// Next returns the status an entry in from reaches through action.
func Next(action Action, from Status) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return "", apperr.Validationf("unknown action %q", action)
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return "", apperr.Validationf("cannot %s an appointment in status %s", action, from)
}

// Outcome carries what a consultation produced.
type Outcome struct {
	Notes        *string `json:"notes"`
	Title        *string `json:"title"`
	Prescription *string `json:"prescription"`
}

// TransitionInput is the optional payload of a status change.
type TransitionInput struct {
	Outcome *Outcome
	Remark  *string
}

// apply moves e through action on behalf of actor. It only mutates e when
// the transition is allowed.
func (e *Entry) apply(action Action, actor uuid.UUID, now time.Time, in TransitionInput) error {
	to, err := Next(action, e.Status)
	if err != nil {
		return err
	}

	switch action {
	case ActionCall:
		e.Counter.Call++
	case ActionSkip:
		e.Counter.Skip++
	case ActionClockIn:
		e.Counter.ClockIn++
		e.StartedAt = &now
	case ActionComplete:
		if o := in.Outcome; o != nil {
			if o.Notes != nil {
				e.Notes = o.Notes
			}
			if o.Title != nil {
				e.Title = o.Title
			}
			if o.Prescription != nil {
				e.Prescription = o.Prescription
			}
		}
		e.CompletedAt = &now
		e.CompletedBy = &actor
	case ActionCancel:
		e.Cancellation = &Cancellation{By: actor, Remark: in.Remark}
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// BookingRequest asks for a slot in a doctor's queue. A set QueueID turns
// the request into a lookup of an existing booking.
type BookingRequest struct {
	QueueID         *uuid.UUID  `json:"queueId,omitempty"`
	PatientID       uuid.UUID   `json:"patientId"`
	DoctorID        uuid.UUID   `json:"doctorId"`
	AppointmentDate string      `json:"appointmentDate"`
	PaymentMode     PaymentMode `json:"paymentMode"`
}

// ActivityLog is one recorded status change of an entry.
type ActivityLog struct {
	ID          uuid.UUID      `json:"id"`
	EntityType  string         `json:"entityType"`
	EntityID    uuid.UUID      `json:"entityId"`
	Action      string         `json:"action"`
	ActorID     *uuid.UUID     `json:"actorId,omitempty"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"createdAt"`
}

const entityQueue = "QUEUE"
