package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/domain/queue"
	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/auth"
	"github.com/polyclinic/clinic/internal/platform/tenancy"
)

// Bookings is the part of the queue the payment flow drives.
// *queue.Service implements it.
type Bookings interface {
	LockPayable(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*queue.Entry, error)
	AttachPayment(ctx context.Context, tx pgx.Tx, e *queue.Entry, paymentID uuid.UUID) error
	ConfirmPayment(ctx context.Context, tx pgx.Tx, actor auth.Actor, paymentID uuid.UUID) ([]*queue.Entry, error)
	Announce(ctx context.Context, tc tenancy.Context, typ string, entries ...*queue.Entry)
}

type Service struct {
	repo     Repository
	bookings Bookings
	secret   string
	logger   zerolog.Logger
}

func NewService(repo Repository, bookings Bookings, webhookSecret string, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		bookings: bookings,
		secret:   webhookSecret,
		logger:   logger.With().Str("component", "payment").Logger(),
	}
}

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

// RecordOrder stores a gateway order and links it to an entry that is
// still waiting on payment.
func (s *Service) RecordOrder(ctx context.Context, tc tenancy.Context, req OrderRequest) (*Payment, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		return nil, apperr.Validationf("orderId is required")
	}
	if req.Amount <= 0 {
		return nil, apperr.Validationf("amount must be positive")
	}

	p := &Payment{
		ID:       uuid.New(),
		Provider: ProviderRazorpay,
		OrderID:  req.OrderID,
		Amount:   req.Amount * 100,
		Currency: defaultCurrency,
		Status:   StatusCreated,
	}
	err := s.inTx(ctx, tc, func(tx pgx.Tx) error {
		entry, err := s.bookings.LockPayable(ctx, tx, req.QueueID)
		if err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, tx, p); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		return s.bookings.AttachPayment(ctx, tx, entry, p.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("record order: %w", err)
	}

	s.logger.Info().Str("tenant", tc.Slug).Str("order_id", p.OrderID).Msg("payment order recorded")
	return p, nil
}

// Verify checks the gateway signature. A valid payment books every entry
// paid by it; an invalid one marks the payment failed and is rejected.
func (s *Service) Verify(ctx context.Context, tc tenancy.Context, actor auth.Actor, req VerifyRequest) (*Payment, []*queue.Entry, error) {
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return nil, nil, apperr.Validationf("orderId, paymentId and signature are required")
	}

	var (
		p       *Payment
		booked  []*queue.Entry
		invalid bool
	)
	err := s.inTx(ctx, tc, func(tx pgx.Tx) error {
		var err error
		p, err = s.repo.GetByOrderForUpdate(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if p.Status == StatusPaid {
			return nil
		}

		if !VerifySignature(req.OrderID, req.PaymentID, req.Signature, s.secret) {
			invalid = true
			p.Status = StatusFailed
			return s.repo.Update(ctx, tx, p)
		}

		p.PaymentID = &req.PaymentID
		p.Signature = &req.Signature
		p.Status = StatusPaid
		if err := s.repo.Update(ctx, tx, p); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		booked, err = s.bookings.ConfirmPayment(ctx, tx, actor, p.ID)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("verify payment: %w", err)
	}
	if invalid {
		s.logger.Warn().Str("tenant", tc.Slug).Str("order_id", req.OrderID).Msg("invalid payment signature")
		return nil, nil, apperr.Validationf("invalid payment signature")
	}

	s.bookings.Announce(ctx, tc, "payment_confirmed", booked...)
	s.logger.Info().
		Str("tenant", tc.Slug).
		Str("order_id", req.OrderID).
		Int("booked", len(booked)).
		Msg("payment verified")
	return p, booked, nil
}
