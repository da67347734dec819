package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/polyclinic/clinic/internal/platform/db"
	"github.com/polyclinic/clinic/pkg/pagination"
)

// Repository reads and writes queue rows in the tenant schema selected by
// q's search_path. Lookups of a missing entry, or of one outside the
// given scope, return an apperr NotFound.
type Repository interface {
	Insert(ctx context.Context, q db.Queryer, e *Entry) error
	Get(ctx context.Context, q db.Queryer, id uuid.UUID, scope Scope) (*Entry, error)
	GetByAID(ctx context.Context, q db.Queryer, aid string, scope Scope) (*Entry, error)
	GetForUpdate(ctx context.Context, q db.Queryer, id uuid.UUID, scope Scope) (*Entry, error)
	// List pages the entries matching f, newest appointment id first, and
	// returns the total match count.
	List(ctx context.Context, q db.Queryer, f ListFilter, page pagination.Params) ([]*Entry, int, error)
	Update(ctx context.Context, q db.Queryer, e *Entry) error
	// FindActive returns the patient's non-cancelled booking with the doctor
	// on date, or nil. date is the appointment day, not the day the row was
	// created, so booking today for tomorrow does not block booking today
	// for today.
	FindActive(ctx context.Context, q db.Queryer, doctorID, patientID uuid.UUID, date time.Time) (*Entry, error)
	ListForDoctor(ctx context.Context, q db.Queryer, doctorID uuid.UUID, date time.Time) ([]*Entry, error)
	ListByPaymentForUpdate(ctx context.Context, q db.Queryer, paymentID uuid.UUID) ([]*Entry, error)

	LogActivity(ctx context.Context, q db.Queryer, l *ActivityLog) error
	ListActivity(ctx context.Context, q db.Queryer, entityID uuid.UUID, page pagination.Params) ([]*ActivityLog, int, error)
}
