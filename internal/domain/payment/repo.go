package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/db"
)

type Repository interface {
	Insert(ctx context.Context, q db.Queryer, p *Payment) error
	GetByOrderForUpdate(ctx context.Context, q db.Queryer, orderID string) (*Payment, error)
	Update(ctx context.Context, q db.Queryer, p *Payment) error
}

type repoPG struct{}

func NewRepoPG() Repository { return repoPG{} }

const paymentCols = `id, provider::text, order_id, payment_id, signature, amount, currency, status::text, created_at, updated_at`

func (repoPG) Insert(ctx context.Context, q db.Queryer, p *Payment) error {
	err := q.QueryRow(ctx, `
		INSERT INTO payments (id, provider, order_id, amount, currency, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		p.ID, string(p.Provider), p.OrderID, p.Amount, p.Currency, string(p.Status),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "order already recorded", err)
	}
	return err
}

func (repoPG) GetByOrderForUpdate(ctx context.Context, q db.Queryer, orderID string) (*Payment, error) {
	var p Payment
	err := q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id = $1 FOR UPDATE`, orderID).Scan(
		&p.ID, &p.Provider, &p.OrderID, &p.PaymentID, &p.Signature,
		&p.Amount, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("payment record for order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return &p, nil
}

func (repoPG) Update(ctx context.Context, q db.Queryer, p *Payment) error {
	_, err := q.Exec(ctx, `
		UPDATE payments SET payment_id = $2, signature = $3, status = $4, updated_at = now()
		WHERE id = $1`,
		p.ID, p.PaymentID, p.Signature, string(p.Status))
	return err
}
