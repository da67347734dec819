// Package tenancy turns a request's tenant slug into an explicit Context
// value that services receive as a parameter.
package tenancy

import (
	"context"

	"github.com/polyclinic/clinic/internal/platform/db"
)

// HeaderName carries the tenant slug on every tenant-scoped request.
const HeaderName = "X-Tenant-Slug"

// Context identifies the tenant a unit of work runs for and carries its
// data access handle. It is passed by value; there is no ambient lookup.
type Context struct {
	Slug   string
	Schema string
	Conn   db.Handle
}

// ValidateSlug normalizes and validates a raw tenant slug.
func ValidateSlug(raw string) (string, error) {
	return db.NormalizeTenantSlug(raw)
}

// HandleSource yields the cached handle of a tenant. *db.Registry implements it.
type HandleSource interface {
	GetOrCreate(ctx context.Context, slug string) (*db.TenantConn, error)
}

type Resolver struct {
	source HandleSource
}

func NewResolver(source HandleSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve validates raw and returns the tenant context backed by the
// registry's handle.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Context, error) {
	slug, err := ValidateSlug(raw)
	if err != nil {
		return Context{}, err
	}
	tc, err := r.source.GetOrCreate(ctx, slug)
	if err != nil {
		return Context{}, err
	}
	return Context{Slug: tc.Slug, Schema: tc.Schema, Conn: tc.Handle}, nil
}
