package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/db"
	"github.com/polyclinic/clinic/pkg/pagination"
)

type repoPG struct {
	selectSQL string
	listSQL   string
}

// NewRepoPG builds the queue repository. Party details are joined from
// sharedSchema; queue tables resolve through the tenant search_path.
func NewRepoPG(sharedSchema string) Repository {
	s := pgx.Identifier{sharedSchema}.Sanitize()
	cols := entryCols + `,
		p.id, p.name, p.email, p.phone, p.gender, p.age,
		d.id, d.name, d.email, d.phone, d.specialization`
	from := fmt.Sprintf(`
		FROM appointment_queue q
		LEFT JOIN %[1]s.patients p ON p.id = q.patient_id
		LEFT JOIN %[1]s.doctors d ON d.id = q.doctor_id`, s)
	return &repoPG{
		selectSQL: `SELECT ` + cols + from,
		listSQL:   `SELECT ` + cols + `, count(*) OVER ()` + from,
	}
}

// scopeFilter restricts a lookup whose key is $1 to the patient in $2 and
// the doctor in $3; NULL leaves the column open.
const scopeFilter = `
	AND ($2::uuid IS NULL OR q.patient_id = $2)
	AND ($3::uuid IS NULL OR q.doctor_id = $3)`

const entryCols = `q.id, q.aid, q.patient_id, q.doctor_id, q.booked_by, q.appointment_date,
	q.sequence_number, q.status::text, q.payment_mode::text, q.payment_id, q.counter, q.cancellation,
	q.notes, q.title, q.prescription, q.started_at, q.completed_at, q.completed_by,
	q.created_at, q.updated_at`

func entryDest(e *Entry) []any {
	return []any{
		&e.ID, &e.AID, &e.PatientID, &e.DoctorID, &e.BookedBy, &e.AppointmentDate,
		&e.SequenceNumber, &e.Status, &e.PaymentMode, &e.PaymentID, &e.Counter, &e.Cancellation,
		&e.Notes, &e.Title, &e.Prescription, &e.StartedAt, &e.CompletedAt, &e.CompletedBy,
		&e.CreatedAt, &e.UpdatedAt,
	}
}

type partyScan struct {
	id                     *uuid.UUID
	name, email, phone     *string
	gender, specialization *string
	age                    *int
}

func (p *partyScan) party() *Party {
	if p.id == nil {
		return nil
	}
	return &Party{
		ID: *p.id, Name: p.name, Email: p.email, Phone: p.phone,
		Gender: p.gender, Age: p.age, Specialization: p.specialization,
	}
}

func scanJoined(row pgx.Row) (*Entry, error) {
	return scanJoinedWith(row)
}

// scanJoinedWith scans a joined row followed by extra trailing columns.
func scanJoinedWith(row pgx.Row, extra ...any) (*Entry, error) {
	var e Entry
	var pt, dr partyScan
	dest := append(entryDest(&e),
		&pt.id, &pt.name, &pt.email, &pt.phone, &pt.gender, &pt.age,
		&dr.id, &dr.name, &dr.email, &dr.phone, &dr.specialization,
	)
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.Patient = pt.party()
	e.Doctor = dr.party()
	return &e, nil
}

func collect(rows pgx.Rows, scan func(pgx.Row) (*Entry, error)) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFoundf("queue entry %s not found", what)
	}
	return err
}

func (r *repoPG) Insert(ctx context.Context, q db.Queryer, e *Entry) error {
	err := q.QueryRow(ctx, `
		INSERT INTO appointment_queue (id, aid, patient_id, doctor_id, booked_by, appointment_date,
			sequence_number, status, payment_mode, payment_id, counter)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		e.ID, e.AID, e.PatientID, e.DoctorID, e.BookedBy, e.AppointmentDate,
		e.SequenceNumber, string(e.Status), string(e.PaymentMode), e.PaymentID, e.Counter,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "appointment slot already taken", err)
	}
	return err
}

func (r *repoPG) Get(ctx context.Context, q db.Queryer, id uuid.UUID, scope Scope) (*Entry, error) {
	e, err := scanJoined(q.QueryRow(ctx, r.selectSQL+` WHERE q.id = $1`+scopeFilter,
		id, scope.PatientID, scope.DoctorID))
	if err != nil {
		return nil, notFound(err, id.String())
	}
	return e, nil
}

func (r *repoPG) GetByAID(ctx context.Context, q db.Queryer, aid string, scope Scope) (*Entry, error) {
	e, err := scanJoined(q.QueryRow(ctx, r.selectSQL+` WHERE q.aid = $1`+scopeFilter,
		aid, scope.PatientID, scope.DoctorID))
	if err != nil {
		return nil, notFound(err, aid)
	}
	return e, nil
}

func scanPlain(row pgx.Row) (*Entry, error) {
	var e Entry
	if err := row.Scan(entryDest(&e)...); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) GetForUpdate(ctx context.Context, q db.Queryer, id uuid.UUID, scope Scope) (*Entry, error) {
	e, err := scanPlain(q.QueryRow(ctx, `SELECT `+entryCols+` FROM appointment_queue q WHERE q.id = $1`+scopeFilter+` FOR UPDATE`,
		id, scope.PatientID, scope.DoctorID))
	if err != nil {
		return nil, notFound(err, id.String())
	}
	return e, nil
}

func (r *repoPG) List(ctx context.Context, q db.Queryer, f ListFilter, page pagination.Params) ([]*Entry, int, error) {
	rows, err := q.Query(ctx, r.listSQL+`
		WHERE ($1::uuid IS NULL OR q.patient_id = $1)
			AND ($2::uuid IS NULL OR q.doctor_id = $2)
			AND ($3::date IS NULL OR q.appointment_date = $3)
		ORDER BY q.aid DESC
		LIMIT $4 OFFSET $5`,
		f.Scope.PatientID, f.Scope.DoctorID, f.Date, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out   []*Entry
		total int
	)
	for rows.Next() {
		e, err := scanJoinedWith(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, q db.Queryer, e *Entry) error {
	tag, err := q.Exec(ctx, `
		UPDATE appointment_queue SET
			status = $2, payment_id = $3, counter = $4, cancellation = $5,
			notes = $6, title = $7, prescription = $8,
			started_at = $9, completed_at = $10, completed_by = $11, updated_at = now()
		WHERE id = $1`,
		e.ID, string(e.Status), e.PaymentID, e.Counter, e.Cancellation,
		e.Notes, e.Title, e.Prescription,
		e.StartedAt, e.CompletedAt, e.CompletedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("queue entry %s not found", e.ID)
	}
	return nil
}

func (r *repoPG) FindActive(ctx context.Context, q db.Queryer, doctorID, patientID uuid.UUID, date time.Time) (*Entry, error) {
	e, err := scanPlain(q.QueryRow(ctx, `
		SELECT `+entryCols+` FROM appointment_queue q
		WHERE q.doctor_id = $1 AND q.patient_id = $2 AND q.appointment_date = $3
			AND q.status <> 'CANCELLED'
		ORDER BY q.created_at
		LIMIT 1`, doctorID, patientID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *repoPG) ListForDoctor(ctx context.Context, q db.Queryer, doctorID uuid.UUID, date time.Time) ([]*Entry, error) {
	rows, err := q.Query(ctx, r.selectSQL+`
		WHERE q.doctor_id = $1 AND q.appointment_date = $2
		ORDER BY q.sequence_number`, doctorID, date)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanJoined)
}

func (r *repoPG) ListByPaymentForUpdate(ctx context.Context, q db.Queryer, paymentID uuid.UUID) ([]*Entry, error) {
	rows, err := q.Query(ctx, `
		SELECT `+entryCols+` FROM appointment_queue q
		WHERE q.payment_id = $1
		ORDER BY q.sequence_number
		FOR UPDATE`, paymentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPlain)
}

func (r *repoPG) LogActivity(ctx context.Context, q db.Queryer, l *ActivityLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return q.QueryRow(ctx, `
		INSERT INTO activity_logs (id, entity_type, entity_id, action, actor_id, before, after, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		l.ID, l.EntityType, l.EntityID, l.Action, l.ActorID, l.Before, l.After, l.Description,
	).Scan(&l.CreatedAt)
}

func (r *repoPG) ListActivity(ctx context.Context, q db.Queryer, entityID uuid.UUID, page pagination.Params) ([]*ActivityLog, int, error) {
	rows, err := q.Query(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, before, after, COALESCE(description, ''), created_at,
			count(*) OVER ()
		FROM activity_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at
		LIMIT $3 OFFSET $4`, entityQueue, entityID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out   []*ActivityLog
		total int
	)
	for rows.Next() {
		var l ActivityLog
		if err := rows.Scan(&l.ID, &l.EntityType, &l.EntityID, &l.Action, &l.ActorID,
			&l.Before, &l.After, &l.Description, &l.CreatedAt, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, &l)
	}
	return out, total, rows.Err()
}
