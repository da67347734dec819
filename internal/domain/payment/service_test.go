package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/domain/queue"
	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/auth"
	"github.com/polyclinic/clinic/internal/platform/db"
	"github.com/polyclinic/clinic/internal/platform/tenancy"
)

const secret = "test-webhook-secret"

type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakeHandle struct {
	db.Handle
	txs []*fakeTx
}

func (h *fakeHandle) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	h.txs = append(h.txs, tx)
	return tx, nil
}

type memRepo struct {
	byOrder map[string]*Payment
}

func (r *memRepo) Insert(_ context.Context, _ db.Queryer, p *Payment) error {
	if _, ok := r.byOrder[p.OrderID]; ok {
		return apperr.New(apperr.Conflict, "order already recorded", &pgconn.PgError{Code: "23505"})
	}
	c := *p
	r.byOrder[p.OrderID] = &c
	return nil
}

func (r *memRepo) GetByOrderForUpdate(_ context.Context, _ db.Queryer, orderID string) (*Payment, error) {
	p, ok := r.byOrder[orderID]
	if !ok {
		return nil, apperr.NotFoundf("payment record for order %s not found", orderID)
	}
	c := *p
	return &c, nil
}

func (r *memRepo) Update(_ context.Context, _ db.Queryer, p *Payment) error {
	c := *p
	r.byOrder[p.OrderID] = &c
	return nil
}

type fakeBookings struct {
	entries   map[uuid.UUID]*queue.Entry
	confirmed []uuid.UUID
	announced []*queue.Entry
}

func (b *fakeBookings) LockPayable(_ context.Context, _ pgx.Tx, id uuid.UUID) (*queue.Entry, error) {
	e, ok := b.entries[id]
	if !ok {
		return nil, apperr.NotFoundf("queue entry %s not found", id)
	}
	if !e.Status.Unpaid() {
		return nil, apperr.Validationf("appointment %s is not awaiting payment", id)
	}
	return e, nil
}

func (b *fakeBookings) AttachPayment(_ context.Context, _ pgx.Tx, e *queue.Entry, paymentID uuid.UUID) error {
	e.PaymentID = &paymentID
	return nil
}

func (b *fakeBookings) ConfirmPayment(_ context.Context, _ pgx.Tx, _ auth.Actor, paymentID uuid.UUID) ([]*queue.Entry, error) {
	b.confirmed = append(b.confirmed, paymentID)
	var out []*queue.Entry
	for _, e := range b.entries {
		if e.PaymentID != nil && *e.PaymentID == paymentID && e.Status.Unpaid() {
			e.Status = queue.StatusBooked
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *fakeBookings) Announce(_ context.Context, _ tenancy.Context, _ string, entries ...*queue.Entry) {
	b.announced = append(b.announced, entries...)
}

type fixture struct {
	svc      *Service
	repo     *memRepo
	bookings *fakeBookings
	handle   *fakeHandle
	tc       tenancy.Context
	entry    *queue.Entry
}

func newFixture() *fixture {
	entry := &queue.Entry{ID: uuid.New(), Status: queue.StatusPaymentPending}
	f := &fixture{
		repo:     &memRepo{byOrder: make(map[string]*Payment)},
		bookings: &fakeBookings{entries: map[uuid.UUID]*queue.Entry{entry.ID: entry}},
		handle:   &fakeHandle{},
		entry:    entry,
	}
	f.tc = tenancy.Context{Slug: "acme", Schema: "tenant_acme", Conn: f.handle}
	f.svc = NewService(f.repo, f.bookings, secret, zerolog.Nop())
	return f
}

var patient = auth.Actor{ID: uuid.New(), Role: auth.RolePatient}

func TestVerifySignature(t *testing.T) {
	sig := Sign("order_1", "pay_1", secret)
	if !VerifySignature("order_1", "pay_1", sig, secret) {
		t.Error("expected signature to verify")
	}
	if VerifySignature("order_1", "pay_2", sig, secret) {
		t.Error("signature must bind the payment id")
	}
	if VerifySignature("order_1", "pay_1", sig, "other-secret") {
		t.Error("signature must bind the secret")
	}
}

func TestRecordOrder(t *testing.T) {
	f := newFixture()
	p, err := f.svc.RecordOrder(context.Background(), f.tc, OrderRequest{QueueID: f.entry.ID, OrderID: "order_1", Amount: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Amount != 50000 || p.Currency != "INR" || p.Status != StatusCreated {
		t.Errorf("unexpected payment %+v", p)
	}
	if f.entry.PaymentID == nil || *f.entry.PaymentID != p.ID {
		t.Error("expected the entry to reference the payment")
	}
	if !f.handle.txs[0].committed {
		t.Error("expected commit")
	}
}

func TestRecordOrder_Validation(t *testing.T) {
	f := newFixture()
	tests := []OrderRequest{
		{QueueID: f.entry.ID, OrderID: " ", Amount: 10},
		{QueueID: f.entry.ID, OrderID: "order_1", Amount: 0},
	}
	for _, req := range tests {
		if _, err := f.svc.RecordOrder(context.Background(), f.tc, req); !apperr.IsKind(err, apperr.Validation) {
			t.Errorf("%+v: expected validation error, got %v", req, err)
		}
	}
}

func TestRecordOrder_EntryNotAwaitingPayment(t *testing.T) {
	f := newFixture()
	f.entry.Status = queue.StatusBooked
	_, err := f.svc.RecordOrder(context.Background(), f.tc, OrderRequest{QueueID: f.entry.ID, OrderID: "order_1", Amount: 10})
	if !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.repo.byOrder) != 0 {
		t.Error("no payment may be stored")
	}
}

func recordOrder(t *testing.T, f *fixture, orderID string) {
	t.Helper()
	if _, err := f.svc.RecordOrder(context.Background(), f.tc, OrderRequest{QueueID: f.entry.ID, OrderID: orderID, Amount: 10}); err != nil {
		t.Fatalf("record order: %v", err)
	}
}

func TestVerify_ValidSignatureBooks(t *testing.T) {
	f := newFixture()
	recordOrder(t, f, "order_1")

	req := VerifyRequest{OrderID: "order_1", PaymentID: "pay_1", Signature: Sign("order_1", "pay_1", secret)}
	p, booked, err := f.svc.Verify(context.Background(), f.tc, patient, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != StatusPaid || p.PaymentID == nil || *p.PaymentID != "pay_1" {
		t.Errorf("unexpected payment %+v", p)
	}
	if len(booked) != 1 || booked[0].Status != queue.StatusBooked {
		t.Fatalf("expected one booked entry, got %+v", booked)
	}
	if len(f.bookings.announced) != 1 {
		t.Errorf("expected one announcement, got %d", len(f.bookings.announced))
	}

	// A repeated callback is a no-op.
	_, again, err := f.svc.Verify(context.Background(), f.tc, patient, req)
	if err != nil {
		t.Fatalf("repeat verify: %v", err)
	}
	if len(again) != 0 || len(f.bookings.confirmed) != 1 {
		t.Errorf("expected no second confirmation, got %d booked and %d confirms", len(again), len(f.bookings.confirmed))
	}
}

func TestVerify_InvalidSignatureFailsPayment(t *testing.T) {
	f := newFixture()
	recordOrder(t, f, "order_1")

	req := VerifyRequest{OrderID: "order_1", PaymentID: "pay_1", Signature: "forged"}
	_, _, err := f.svc.Verify(context.Background(), f.tc, patient, req)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.Validation || ae.Message != "invalid payment signature" {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
	if f.repo.byOrder["order_1"].Status != StatusFailed {
		t.Errorf("expected the payment to be marked failed, got %s", f.repo.byOrder["order_1"].Status)
	}
	if !f.handle.txs[len(f.handle.txs)-1].committed {
		t.Error("the failed status must be committed")
	}
	if f.entry.Status != queue.StatusPaymentPending {
		t.Errorf("entry must stay unpaid, got %s", f.entry.Status)
	}
}

func TestVerify_UnknownOrder(t *testing.T) {
	f := newFixture()
	req := VerifyRequest{OrderID: "missing", PaymentID: "pay", Signature: "sig"}
	if _, _, err := f.svc.Verify(context.Background(), f.tc, patient, req); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestVerify_RequiresFields(t *testing.T) {
	f := newFixture()
	if _, _, err := f.svc.Verify(context.Background(), f.tc, patient, VerifyRequest{OrderID: "order_1"}); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
