package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/polyclinic/clinic/internal/domain/clinical"
	"github.com/polyclinic/clinic/internal/domain/membership"
	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/db"
	"github.com/polyclinic/clinic/internal/platform/events"
	"github.com/polyclinic/clinic/pkg/pagination"
)

// -- transaction and handle --

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeHandle struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (h *fakeHandle) Begin(context.Context) (pgx.Tx, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tx := &fakeTx{}
	h.txs = append(h.txs, tx)
	return tx, nil
}

func (h *fakeHandle) lastTx() *fakeTx {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.txs) == 0 {
		return nil
	}
	return h.txs[len(h.txs)-1]
}

func (h *fakeHandle) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected exec on handle")
}

func (h *fakeHandle) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query on handle")
}

func (h *fakeHandle) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{err: errors.New("unexpected query on handle")}
}

func (h *fakeHandle) Ping(context.Context) error { return nil }
func (h *fakeHandle) Close()                     {}

// -- repository --

type memRepo struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*Entry
	logs      []*ActivityLog
	insertErr error
	updateErr error
}

func newMemRepo() *memRepo {
	return &memRepo{entries: make(map[uuid.UUID]*Entry)}
}

func (r *memRepo) put(e *Entry) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *e
	r.entries[e.ID] = &c
	return e
}

func (r *memRepo) Insert(_ context.Context, _ db.Queryer, e *Entry) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	r.put(e)
	return nil
}

func (r *memRepo) get(id uuid.UUID) (*Entry, error) {
	return r.getScoped(id, Scope{})
}

func (r *memRepo) getScoped(id uuid.UUID, scope Scope) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !scope.Allows(e) {
		return nil, apperr.NotFoundf("queue entry %s not found", id)
	}
	c := *e
	return &c, nil
}

func (r *memRepo) Get(_ context.Context, _ db.Queryer, id uuid.UUID, scope Scope) (*Entry, error) {
	return r.getScoped(id, scope)
}

func (r *memRepo) GetByAID(_ context.Context, _ db.Queryer, aid string, scope Scope) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.AID == aid && scope.Allows(e) {
			c := *e
			return &c, nil
		}
	}
	return nil, apperr.NotFoundf("queue entry %s not found", aid)
}

func (r *memRepo) GetForUpdate(_ context.Context, _ db.Queryer, id uuid.UUID, scope Scope) (*Entry, error) {
	return r.getScoped(id, scope)
}

func (r *memRepo) List(_ context.Context, _ db.Queryer, f ListFilter, page pagination.Params) ([]*Entry, int, error) {
	r.mu.Lock()
	var all []*Entry
	for _, e := range r.entries {
		if !f.Scope.Allows(e) || (f.Date != nil && !e.AppointmentDate.Equal(*f.Date)) {
			continue
		}
		c := *e
		all = append(all, &c)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].AID > all[j].AID })
	start := min(page.Offset, len(all))
	end := min(start+page.Limit, len(all))
	return all[start:end], len(all), nil
}

func (r *memRepo) Update(_ context.Context, _ db.Queryer, e *Entry) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.put(e)
	return nil
}

func (r *memRepo) FindActive(_ context.Context, _ db.Queryer, doctorID, patientID uuid.UUID, date time.Time) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.DoctorID == doctorID && e.PatientID == patientID &&
			e.AppointmentDate.Equal(date) && e.Status != StatusCancelled {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ListForDoctor(_ context.Context, _ db.Queryer, doctorID uuid.UUID, date time.Time) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.DoctorID == doctorID && e.AppointmentDate.Equal(date) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memRepo) ListByPaymentForUpdate(_ context.Context, _ db.Queryer, paymentID uuid.UUID) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.PaymentID != nil && *e.PaymentID == paymentID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memRepo) LogActivity(_ context.Context, _ db.Queryer, l *ActivityLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
	return nil
}

func (r *memRepo) ListActivity(_ context.Context, _ db.Queryer, entityID uuid.UUID, page pagination.Params) ([]*ActivityLog, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*ActivityLog
	for _, l := range r.logs {
		if l.EntityID == entityID {
			all = append(all, l)
		}
	}
	start := min(page.Offset, len(all))
	end := min(start+page.Limit, len(all))
	return all[start:end], len(all), nil
}

// -- collaborators --

type fakeMembers struct {
	patients map[uuid.UUID]bool
	doctors  map[uuid.UUID]*membership.DoctorMembership
	// users maps a user id to the patient or doctor id it acts as.
	users map[uuid.UUID]uuid.UUID
}

func (m *fakeMembers) DoctorForUser(ctx context.Context, q db.Queryer, tenant string, userID uuid.UUID) (*membership.DoctorMembership, error) {
	id, ok := m.users[userID]
	if !ok {
		return nil, apperr.NotFoundf("no active doctor profile for user %s in %s", userID, tenant)
	}
	return m.ActiveDoctor(ctx, q, tenant, id)
}

func (m *fakeMembers) PatientForUser(ctx context.Context, q db.Queryer, tenant string, userID uuid.UUID) (*membership.PatientMembership, error) {
	id, ok := m.users[userID]
	if !ok {
		return nil, apperr.NotFoundf("no active patient profile for user %s in %s", userID, tenant)
	}
	return m.ActivePatient(ctx, q, tenant, id)
}

func (m *fakeMembers) ActiveDoctor(_ context.Context, _ db.Queryer, tenant string, id uuid.UUID) (*membership.DoctorMembership, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, apperr.NotFoundf("doctor %s is not an active member of %s", id, tenant)
	}
	return d, nil
}

func (m *fakeMembers) ActivePatient(_ context.Context, _ db.Queryer, tenant string, id uuid.UUID) (*membership.PatientMembership, error) {
	if !m.patients[id] {
		return nil, apperr.NotFoundf("patient %s is not an active member of %s", id, tenant)
	}
	return &membership.PatientMembership{PatientID: id, TenantSlug: tenant, Status: membership.StatusActive}, nil
}

type fakeAllocator struct {
	mu    sync.Mutex
	next  map[string]int
	calls int
	err   error
}

func (a *fakeAllocator) NextToken(_ context.Context, _ pgx.Tx, schema string, doctorID uuid.UUID, date time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return 0, a.err
	}
	if a.next == nil {
		a.next = make(map[string]int)
	}
	key := schema + "." + SequenceName(doctorID, date)
	a.next[key]++
	return a.next[key], nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.QueueEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, e events.QueueEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

type fakeHistory struct {
	encounters []clinical.Encounter
	err        error
}

func (h *fakeHistory) WriteEncounter(_ context.Context, _ db.Queryer, _ string, enc clinical.Encounter) (int, error) {
	if h.err != nil {
		return 0, h.err
	}
	h.encounters = append(h.encounters, enc)
	return len(clinical.RecordsFor("", enc)), nil
}
