package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/domain/clinical"
	"github.com/polyclinic/clinic/internal/domain/membership"
	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/auth"
	"github.com/polyclinic/clinic/internal/platform/events"
	"github.com/polyclinic/clinic/internal/platform/metrics"
	"github.com/polyclinic/clinic/internal/platform/tenancy"
	"github.com/polyclinic/clinic/pkg/pagination"
)

type Service struct {
	repo    Repository
	members membership.Repository
	history clinical.Writer
	tokens  TokenAllocator
	events  events.Publisher
	policy  DuplicatePolicy
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, members membership.Repository, history clinical.Writer,
	tokens TokenAllocator, pub events.Publisher, policy DuplicatePolicy, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		repo:    repo,
		members: members,
		history: history,
		tokens:  tokens,
		events:  pub,
		policy:  policy,
		logger:  logger.With().Str("component", "queue").Logger(),
		now:     time.Now,
	}
}

// inTx runs fn in a transaction on the tenant handle. Any error rolls the
// whole unit back.
func (s *Service) inTx(ctx context.Context, tc tenancy.Context, fn func(tx pgx.Tx) error) error {
	tx, err := tc.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Service) validateBooking(req BookingRequest) (time.Time, error) {
	if req.PatientID == uuid.Nil {
		return time.Time{}, apperr.Validationf("patientId is required")
	}
	if req.DoctorID == uuid.Nil {
		return time.Time{}, apperr.Validationf("doctorId is required")
	}
	if !req.PaymentMode.Valid() {
		return time.Time{}, apperr.Validationf("invalid payment mode %q", req.PaymentMode)
	}
	return ParseDate(req.AppointmentDate)
}

// Book reserves the next token in the doctor's queue for the requested day.
// Membership, duplicate and doctor code checks run before any transaction
// opens; the token, the row and its activity log commit together.
func (s *Service) Book(ctx context.Context, tc tenancy.Context, actor auth.Actor, req BookingRequest) (*Entry, error) {
	scope, err := s.scopeFor(ctx, tc, actor)
	if err != nil {
		return nil, err
	}
	if req.QueueID != nil {
		return s.repo.Get(ctx, tc.Conn, *req.QueueID, scope)
	}

	date, err := s.validateBooking(req)
	if err != nil {
		metrics.ObserveBooking("rejected")
		return nil, err
	}
	if scope.PatientID != nil && *scope.PatientID != req.PatientID {
		metrics.ObserveBooking("rejected")
		return nil, apperr.New(apperr.Forbidden, "patients can only book for themselves", nil)
	}
	code, err := s.checkBooking(ctx, tc, actor, req, date)
	if err != nil {
		metrics.ObserveBooking("rejected")
		return nil, err
	}

	entry := &Entry{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		BookedBy:        &actor.ID,
		AppointmentDate: date,
		Status:          InitialStatus(req.PaymentMode, actor.Role),
		PaymentMode:     req.PaymentMode,
	}

	err = s.inTx(ctx, tc, func(tx pgx.Tx) error {
		seq, err := s.tokens.NextToken(ctx, tx, tc.Schema, entry.DoctorID, date)
		if err != nil {
			return err
		}
		entry.SequenceNumber = seq
		entry.AID = AppointmentID(date, code, seq)

		if err := s.repo.Insert(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return s.repo.LogActivity(ctx, tx, &ActivityLog{
			EntityType:  entityQueue,
			EntityID:    entry.ID,
			Action:      "CREATE",
			ActorID:     &actor.ID,
			After:       map[string]any{"status": entry.Status, "sequenceNumber": seq},
			Description: "Appointment booked",
		})
	})
	if err != nil {
		metrics.ObserveBooking("error")
		s.logger.Error().Err(err).
			Str("tenant", tc.Slug).
			Str("doctor_id", req.DoctorID.String()).
			Msg("booking failed")
		return nil, fmt.Errorf("book appointment: %w", err)
	}

	metrics.ObserveBooking("ok")
	s.logger.Info().
		Str("tenant", tc.Slug).
		Str("aid", entry.AID).
		Str("status", string(entry.Status)).
		Msg("appointment booked")
	s.announce(ctx, tc, "booked", entry)
	return entry, nil
}

// checkBooking gates a booking on both memberships and the duplicate
// policy, and returns the doctor code used in the appointment identifier.
// Duplicates are matched on the requested appointment day.
func (s *Service) checkBooking(ctx context.Context, tc tenancy.Context, actor auth.Actor, req BookingRequest, date time.Time) (string, error) {
	if _, err := s.members.ActivePatient(ctx, tc.Conn, tc.Slug, req.PatientID); err != nil {
		return "", err
	}
	doctor, err := s.members.ActiveDoctor(ctx, tc.Conn, tc.Slug, req.DoctorID)
	if err != nil {
		return "", err
	}

	if s.policy.Applies(actor.Role) {
		existing, err := s.repo.FindActive(ctx, tc.Conn, req.DoctorID, req.PatientID, date)
		if err != nil {
			return "", fmt.Errorf("check existing booking: %w", err)
		}
		if existing != nil {
			return "", apperr.ConflictRef("an appointment with this doctor is already booked for this day", existing.ID.String())
		}
	}

	code := doctor.QueueCode()
	if code == "" {
		return "", apperr.Validationf("doctor code is required for appointment booking")
	}
	return code, nil
}

// scopeFor maps a PATIENT or DOCTOR caller to the profile they act as in
// the tenant. Other roles are unscoped.
func (s *Service) scopeFor(ctx context.Context, tc tenancy.Context, actor auth.Actor) (Scope, error) {
	switch actor.Role {
	case auth.RolePatient:
		m, err := s.members.PatientForUser(ctx, tc.Conn, tc.Slug, actor.ID)
		if err != nil {
			return Scope{}, callerError(err)
		}
		return Scope{PatientID: &m.PatientID}, nil
	case auth.RoleDoctor:
		m, err := s.members.DoctorForUser(ctx, tc.Conn, tc.Slug, actor.ID)
		if err != nil {
			return Scope{}, callerError(err)
		}
		return Scope{DoctorID: &m.DoctorID}, nil
	}
	return Scope{}, nil
}

func callerError(err error) error {
	if apperr.IsKind(err, apperr.NotFound) {
		return apperr.New(apperr.Forbidden, "no active profile for this user in the tenant", err)
	}
	return err
}

// Get returns an entry the caller may see. Entries of other patients or
// doctors are reported as not found.
func (s *Service) Get(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID) (*Entry, error) {
	scope, err := s.scopeFor(ctx, tc, actor)
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, tc.Conn, id, scope)
}

func (s *Service) GetByAID(ctx context.Context, tc tenancy.Context, actor auth.Actor, aid string) (*Entry, error) {
	scope, err := s.scopeFor(ctx, tc, actor)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByAID(ctx, tc.Conn, aid, scope)
}

// List pages the caller's appointments, newest first. PATIENT and DOCTOR
// callers only see their own; a set date narrows the list to that day.
func (s *Service) List(ctx context.Context, tc tenancy.Context, actor auth.Actor, date *time.Time, page pagination.Params) ([]*Entry, int, error) {
	scope, err := s.scopeFor(ctx, tc, actor)
	if err != nil {
		return nil, 0, err
	}
	entries, total, err := s.repo.List(ctx, tc.Conn, ListFilter{Scope: scope, Date: date}, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	return entries, total, nil
}

// Activity returns one page of an entry's activity log, oldest first, and
// the total number of rows.
func (s *Service) Activity(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID, page pagination.Params) ([]*ActivityLog, int, error) {
	if _, err := s.Get(ctx, tc, actor, id); err != nil {
		return nil, 0, err
	}
	return s.repo.ListActivity(ctx, tc.Conn, id, page)
}

// Views returns the doctor's live queue on date. A set queueID is served
// as the current entry and must be visible to the caller.
func (s *Service) Views(ctx context.Context, tc tenancy.Context, actor auth.Actor, doctorID uuid.UUID, date time.Time, queueID *uuid.UUID) (View, error) {
	if _, err := s.members.ActiveDoctor(ctx, tc.Conn, tc.Slug, doctorID); err != nil {
		return View{}, err
	}

	var requested *Entry
	if queueID != nil {
		e, err := s.Get(ctx, tc, actor, *queueID)
		if err != nil {
			return View{}, err
		}
		requested = e
	}

	entries, err := s.repo.ListForDoctor(ctx, tc.Conn, doctorID, date)
	if err != nil {
		return View{}, fmt.Errorf("list queue: %w", err)
	}
	return Partition(entries, requested, date), nil
}

func (s *Service) Call(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID) (*Entry, error) {
	return s.transition(ctx, tc, actor, id, ActionCall, TransitionInput{}, "Patient called")
}

func (s *Service) Skip(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID) (*Entry, error) {
	return s.transition(ctx, tc, actor, id, ActionSkip, TransitionInput{}, "Patient skipped")
}

func (s *Service) ClockIn(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID) (*Entry, error) {
	return s.transition(ctx, tc, actor, id, ActionClockIn, TransitionInput{}, "Consultation started")
}

// Complete closes the consultation and copies its notes and prescription
// into the patient's platform-wide history.
func (s *Service) Complete(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID, out Outcome) (*Entry, error) {
	e, err := s.transition(ctx, tc, actor, id, ActionComplete, TransitionInput{Outcome: &out}, "Consultation completed")
	if err != nil {
		return nil, err
	}
	s.recordHistory(ctx, tc, e)
	return e, nil
}

func (s *Service) Cancel(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID, remark *string) (*Entry, error) {
	return s.transition(ctx, tc, actor, id, ActionCancel, TransitionInput{Remark: remark}, "Appointment cancelled")
}

func snapshot(e *Entry) map[string]any {
	return map[string]any{"status": e.Status, "counter": e.Counter}
}

func (s *Service) transition(ctx context.Context, tc tenancy.Context, actor auth.Actor, id uuid.UUID,
	action Action, in TransitionInput, description string) (*Entry, error) {
	scope, err := s.scopeFor(ctx, tc, actor)
	if err != nil {
		return nil, err
	}
	var entry *Entry
	err = s.inTx(ctx, tc, func(tx pgx.Tx) error {
		e, err := s.repo.GetForUpdate(ctx, tx, id, scope)
		if err != nil {
			return err
		}
		if err := s.applyAndLog(ctx, tx, actor, e, action, in, description); err != nil {
			return err
		}
		entry = e
		return nil
	})
	metrics.ObserveTransition(string(action), err)
	if err != nil {
		return nil, fmt.Errorf("%s appointment: %w", action, err)
	}

	s.announce(ctx, tc, string(action), entry)
	return entry, nil
}

func (s *Service) applyAndLog(ctx context.Context, tx pgx.Tx, actor auth.Actor, e *Entry,
	action Action, in TransitionInput, description string) error {
	before := snapshot(e)
	if err := e.apply(action, actor.ID, s.now(), in); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, tx, e); err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	return s.repo.LogActivity(ctx, tx, &ActivityLog{
		EntityType:  entityQueue,
		EntityID:    e.ID,
		Action:      "STATUS_CHANGE",
		ActorID:     &actor.ID,
		Before:      before,
		After:       snapshot(e),
		Description: description,
	})
}

func (s *Service) recordHistory(ctx context.Context, tc tenancy.Context, e *Entry) {
	if s.history == nil {
		return
	}
	occurred := s.now()
	if e.CompletedAt != nil {
		occurred = *e.CompletedAt
	}
	n, err := s.history.WriteEncounter(ctx, tc.Conn, tc.Slug, clinical.Encounter{
		QueueID:         e.ID,
		PatientID:       e.PatientID,
		DoctorID:        e.DoctorID,
		AID:             e.AID,
		AppointmentDate: e.AppointmentDate,
		OccurredAt:      occurred,
		Title:           e.Title,
		Notes:           e.Notes,
		Prescription:    e.Prescription,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("tenant", tc.Slug).
			Str("queue_id", e.ID.String()).
			Msg("failed to write clinical history")
		return
	}
	s.logger.Debug().Int("records", n).Str("queue_id", e.ID.String()).Msg("clinical history written")
}

// LockPayable locks an entry for a payment order. Only entries waiting on a
// payment qualify.
func (s *Service) LockPayable(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetForUpdate(ctx, tx, id, Scope{})
	if err != nil {
		return nil, err
	}
	if !e.Status.Unpaid() {
		return nil, apperr.Validationf("appointment %s is not awaiting payment", id)
	}
	return e, nil
}

// AttachPayment links a locked entry to its payment order.
func (s *Service) AttachPayment(ctx context.Context, tx pgx.Tx, e *Entry, paymentID uuid.UUID) error {
	e.PaymentID = &paymentID
	if err := s.repo.Update(ctx, tx, e); err != nil {
		return fmt.Errorf("attach payment: %w", err)
	}
	return nil
}

// ConfirmPayment books every entry paid by paymentID. Entries already past
// payment are left alone so a repeated verification is harmless.
func (s *Service) ConfirmPayment(ctx context.Context, tx pgx.Tx, actor auth.Actor, paymentID uuid.UUID) ([]*Entry, error) {
	entries, err := s.repo.ListByPaymentForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load paid entries: %w", err)
	}

	var booked []*Entry
	for _, e := range entries {
		if !e.Status.Unpaid() {
			continue
		}
		err := s.applyAndLog(ctx, tx, actor, e, ActionConfirmPayment, TransitionInput{},
			"Payment verified and appointment status updated")
		metrics.ObserveTransition(string(ActionConfirmPayment), err)
		if err != nil {
			return nil, err
		}
		booked = append(booked, e)
	}
	return booked, nil
}

// Announce publishes committed changes made outside this service's own
// transactions.
func (s *Service) Announce(ctx context.Context, tc tenancy.Context, typ string, entries ...*Entry) {
	for _, e := range entries {
		s.announce(ctx, tc, typ, e)
	}
}

func (s *Service) announce(ctx context.Context, tc tenancy.Context, typ string, e *Entry) {
	ev := events.QueueEvent{
		Type:     typ,
		Tenant:   tc.Slug,
		DoctorID: e.DoctorID,
		Date:     DateKey(e.AppointmentDate),
		QueueID:  e.ID,
		Status:   string(e.Status),
		At:       s.now(),
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		metrics.IncPublishFailures()
		s.logger.Warn().Err(err).Str("channel", ev.Channel()).Msg("queue event not published")
	}
}
