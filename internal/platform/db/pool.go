package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	return open(ctx, cfg)
}

// SearchPath renders the search_path value for a tenant schema: the tenant
// first, then the shared schema, then public.
func SearchPath(schema, sharedSchema string) string {
	return strings.Join([]string{
		pgx.Identifier{schema}.Sanitize(),
		pgx.Identifier{sharedSchema}.Sanitize(),
		"public",
	}, ", ")
}

// TenantPoolOpener opens pools whose connections start with search_path set
// to one tenant schema. Setting it as a runtime parameter means every
// connection the pool ever creates is scoped, not just the first one.
type TenantPoolOpener struct {
	DatabaseURL  string
	SharedSchema string
	MaxConns     int32
}

// Open implements Opener.
func (o TenantPoolOpener) Open(ctx context.Context, slug string) (Handle, error) {
	cfg, err := pgxpool.ParseConfig(o.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	schema := SchemaName(slug)
	cfg.MaxConns = o.MaxConns
	cfg.MinConns = 0
	cfg.ConnConfig.RuntimeParams["search_path"] = SearchPath(schema, o.SharedSchema)
	cfg.ConnConfig.RuntimeParams["application_name"] = "clinic:" + slug

	pool, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool for %s: %w", schema, err)
	}
	return pool, nil
}

func open(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
