package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/polyclinic/clinic/internal/platform/auth"
	"github.com/polyclinic/clinic/internal/platform/redact"
)

// Formatted is an entry as returned to a particular viewer.
type Formatted struct {
	ID              uuid.UUID     `json:"id"`
	AID             string        `json:"aid"`
	Status          Status        `json:"status"`
	SequenceNumber  int           `json:"sequenceNumber"`
	AppointmentDate string        `json:"appointmentDate"`
	PaymentMode     PaymentMode   `json:"paymentMode"`
	Counter         Counter       `json:"counter"`
	Cancellation    *Cancellation `json:"cancellation"`
	Notes           *string       `json:"notes"`
	Title           *string       `json:"title"`
	Prescription    *string       `json:"prescription"`
	StartedAt       *time.Time    `json:"startedAt"`
	CompletedAt     *time.Time    `json:"completedAt"`
	CompletedBy     *uuid.UUID    `json:"completedBy"`
	BookedBy        *uuid.UUID    `json:"bookedBy"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	NextQueueID     *uuid.UUID    `json:"nextQueueId,omitempty"`
	PreviousQueueID *uuid.UUID    `json:"previousQueueId,omitempty"`
	Patient         *Party        `json:"patient"`
	Doctor          *Party        `json:"doctor"`
}

func formatParty(p *Party, viewer, subject auth.Role) *Party {
	if p == nil {
		return nil
	}
	out := *p
	out.Email = redact.Field(p.Email, viewer, subject)
	out.Phone = redact.Field(p.Phone, viewer, subject)
	return &out
}

// Format projects e for viewer, masking contact details viewer may not see.
func Format(e *Entry, viewer auth.Role) *Formatted {
	if e == nil {
		return nil
	}
	return &Formatted{
		ID:              e.ID,
		AID:             e.AID,
		Status:          e.Status,
		SequenceNumber:  e.SequenceNumber,
		AppointmentDate: e.AppointmentDate.Format(dateLayout),
		PaymentMode:     e.PaymentMode,
		Counter:         e.Counter,
		Cancellation:    e.Cancellation,
		Notes:           e.Notes,
		Title:           e.Title,
		Prescription:    e.Prescription,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		CompletedBy:     e.CompletedBy,
		BookedBy:        e.BookedBy,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		Patient:         formatParty(e.Patient, viewer, auth.RolePatient),
		Doctor:          formatParty(e.Doctor, viewer, auth.RoleDoctor),
	}
}

func FormatAll(entries []*Entry, viewer auth.Role) []*Formatted {
	out := make([]*Formatted, 0, len(entries))
	for _, e := range entries {
		out = append(out, Format(e, viewer))
	}
	return out
}

type MetaData struct {
	AppointmentDate string `json:"appointmentDate"`
	TotalPrevious   int    `json:"totalPrevious"`
	TotalNext       int    `json:"totalNext"`
}

// ViewResponse is the live queue body.
type ViewResponse struct {
	Previous []*Formatted `json:"previous"`
	Current  *Formatted   `json:"current"`
	Next     []*Formatted `json:"next"`
	MetaData MetaData     `json:"metaData"`
}

func FormatView(v View, viewer auth.Role) ViewResponse {
	resp := ViewResponse{
		Previous: FormatAll(v.Previous, viewer),
		Next:     FormatAll(v.Next, viewer),
		MetaData: MetaData{
			AppointmentDate: v.Meta.AppointmentDate.Format(dateLayout),
			TotalPrevious:   v.Meta.TotalPrevious,
			TotalNext:       v.Meta.TotalNext,
		},
	}
	if v.Current != nil {
		cur := Format(v.Current.Entry, viewer)
		cur.NextQueueID = v.Current.NextQueueID
		cur.PreviousQueueID = v.Current.PreviousQueueID
		resp.Current = cur
	}
	return resp
}
