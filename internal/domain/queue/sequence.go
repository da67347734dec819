package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/db"
	"github.com/polyclinic/clinic/internal/platform/metrics"
)

// ErrAllocation matches every token allocation failure with errors.Is.
var ErrAllocation = apperr.New(apperr.Allocation, "", nil)

const unlockTimeout = 5 * time.Second

const sequenceExistsSQL = `
	SELECT EXISTS (
		SELECT 1 FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind = 'S'
	)`

// SequenceName is the per doctor, per day sequence backing queue tokens.
func SequenceName(doctorID uuid.UUID, date time.Time) string {
	return "seq_queue_" + strings.ReplaceAll(doctorID.String(), "-", "") + "_" + DateKey(date)
}

func lockKey(schema, name string) int64 {
	return int64(xxhash.Sum64String(schema + "." + name))
}

// TokenAllocator hands out the next token of a doctor's day inside tx.
type TokenAllocator interface {
	NextToken(ctx context.Context, tx pgx.Tx, schema string, doctorID uuid.UUID, date time.Time) (int, error)
}

// Allocator issues tokens from lazily created Postgres sequences. Creating
// a sequence is serialized per (schema, doctor, day) with a session advisory
// lock that is released on every path.
type Allocator struct {
	lockTimeout time.Duration
	logger      zerolog.Logger
}

func NewAllocator(lockTimeout time.Duration, logger zerolog.Logger) *Allocator {
	return &Allocator{
		lockTimeout: lockTimeout,
		logger:      logger.With().Str("component", "sequence").Logger(),
	}
}

func (a *Allocator) NextToken(ctx context.Context, tx pgx.Tx, schema string, doctorID uuid.UUID, date time.Time) (token int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveAllocation(err, time.Since(start)) }()

	name := SequenceName(doctorID, date)
	qualified := pgx.Identifier{schema, name}.Sanitize()
	key := lockKey(schema, name)
	log := a.logger.With().Str("schema", schema).Str("sequence", name).Logger()

	timeout := fmt.Sprintf("%dms", a.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return 0, allocationError(ctx, "set lock timeout", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return 0, allocationError(ctx, "acquire sequence lock", err)
	}

	ensureErr := a.ensureSequence(ctx, tx, schema, name, qualified)
	unlockErr := a.unlock(ctx, tx, key, log)
	if ensureErr != nil {
		return 0, ensureErr
	}
	if unlockErr != nil {
		return 0, allocationError(ctx, "release sequence lock", unlockErr)
	}

	var next int64
	if err := tx.QueryRow(ctx, `SELECT nextval($1::regclass)`, qualified).Scan(&next); err != nil {
		return 0, allocationError(ctx, "next token", err)
	}
	return int(next), nil
}

// ensureSequence creates the sequence inside a savepoint so a concurrent
// creator's duplicate error leaves the booking transaction usable.
func (a *Allocator) ensureSequence(ctx context.Context, tx pgx.Tx, schema, name, qualified string) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return allocationError(ctx, "open savepoint", err)
	}

	var exists bool
	err = sp.QueryRow(ctx, sequenceExistsSQL, schema, name).Scan(&exists)
	if err == nil && !exists {
		_, err = sp.Exec(ctx, "CREATE SEQUENCE "+qualified+" START 1 MINVALUE 1 NO MAXVALUE")
	}
	if err != nil {
		_ = sp.Rollback(ctx)
		if db.IsAlreadyExists(err) {
			return nil
		}
		return allocationError(ctx, "create sequence", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return allocationError(ctx, "release savepoint", err)
	}
	return nil
}

// unlock releases the advisory lock even when ctx is already done. If the
// server cannot be told, the connection is closed so the session lock
// dies with it.
func (a *Allocator) unlock(ctx context.Context, tx pgx.Tx, key int64, log zerolog.Logger) error {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()

	var released bool
	err := tx.QueryRow(uctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
	if err == nil {
		if !released {
			log.Warn().Int64("lock_key", key).Msg("advisory lock was not held at unlock")
		}
		return nil
	}

	log.Error().Err(err).Int64("lock_key", key).Msg("advisory unlock failed, closing connection")
	if conn := tx.Conn(); conn != nil {
		if cerr := conn.Close(uctx); cerr != nil {
			log.Error().Err(cerr).Msg("close connection after failed unlock")
		}
	}
	return err
}

func allocationError(ctx context.Context, step string, err error) error {
	if db.IsLockTimeout(err) || ctx.Err() != nil {
		return apperr.New(apperr.Allocation, "token allocation timed out", fmt.Errorf("%s: %w", step, err))
	}
	return apperr.New(apperr.Allocation, "token allocation failed", fmt.Errorf("%s: %w", step, err))
}
