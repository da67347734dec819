package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/platform/apperr"
	"github.com/polyclinic/clinic/internal/platform/metrics"
)

const (
	schemaExistsSQL = `SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)`
	typeExistsSQL   = `SELECT EXISTS (SELECT 1 FROM pg_type t JOIN pg_namespace n ON n.oid = t.typnamespace WHERE n.nspname = $1 AND t.typname = $2)`
	tableExistsSQL  = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`
)

// Provisioner creates the shared schema and tenant schemas on demand. Every
// object is checked and created on its own, so a run interrupted halfway is
// completed by the next one, and any number of goroutines or processes may
// provision the same schema at once.
type Provisioner struct {
	db     Queryer
	shared string
	logger zerolog.Logger
}

func NewProvisioner(q Queryer, sharedSchema string, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		db:     q,
		shared: sharedSchema,
		logger: logger.With().Str("component", "provisioner").Logger(),
	}
}

// SharedSchema returns the name of the shared schema this provisioner manages.
func (p *Provisioner) SharedSchema() string {
	return p.shared
}

// EnsureShared makes sure the shared schema and its objects exist.
func (p *Provisioner) EnsureShared(ctx context.Context) error {
	start := time.Now()
	err := p.apply(ctx, sharedLayout(p.shared))
	metrics.ObserveProvision("shared", err, time.Since(start))
	return err
}

// Ensure makes sure the schema of tenant slug and its objects exist.
func (p *Provisioner) Ensure(ctx context.Context, slug string) error {
	slug, err := NormalizeTenantSlug(slug)
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.apply(ctx, tenantLayout(SchemaName(slug), p.shared))
	metrics.ObserveProvision("tenant", err, time.Since(start))
	return err
}

func (p *Provisioner) apply(ctx context.Context, l layout) error {
	log := p.logger.With().Str("schema", l.schema).Logger()

	exists, err := p.exists(ctx, schemaExistsSQL, l.schema)
	if err != nil {
		return err
	}
	if !exists {
		if err := p.create(ctx, log, l.schema, "schema "+l.schema, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{l.schema}.Sanitize()); err != nil {
			return err
		}
	}

	for _, e := range l.enums {
		exists, err := p.exists(ctx, typeExistsSQL, l.schema, e.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := p.create(ctx, log, l.schema, "type "+e.name, l.createEnum(e)); err != nil {
			return err
		}
	}

	for _, t := range l.tables {
		exists, err := p.exists(ctx, tableExistsSQL, l.schema, t.name)
		if err != nil {
			return err
		}
		if !exists {
			if err := p.create(ctx, log, l.schema, "table "+t.name, l.render(t.ddl)); err != nil {
				return err
			}
		}
		for _, idx := range t.indexes {
			if err := p.create(ctx, log, l.schema, "index on "+t.name, l.render(idx)); err != nil {
				return err
			}
		}
	}

	log.Debug().Str("scope", l.scope).Msg("schema provisioned")
	return nil
}

func (p *Provisioner) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := p.db.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, apperr.New(apperr.Provisioning, "inspect catalog", err)
	}
	return ok, nil
}

func (p *Provisioner) create(ctx context.Context, log zerolog.Logger, schema, what, stmt string) error {
	if _, err := p.db.Exec(ctx, stmt); err != nil {
		if IsAlreadyExists(err) {
			log.Debug().Str("object", what).Msg("created concurrently")
			return nil
		}
		log.Error().Err(err).Str("object", what).Msg("provisioning statement failed")
		return apperr.New(apperr.Provisioning, fmt.Sprintf("create %s in %s", what, schema), err)
	}
	log.Debug().Str("object", what).Msg("created")
	return nil
}
