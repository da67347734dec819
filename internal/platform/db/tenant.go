package db

import (
	"regexp"
	"strings"

	"github.com/polyclinic/clinic/internal/platform/apperr"
)

// SchemaPrefix is prepended to a tenant slug to form its schema name.
const SchemaPrefix = "tenant_"

var tenantSlugPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

var reservedSchemas = map[string]bool{
	"public":             true,
	"shared":             true,
	"information_schema": true,
	"pg_catalog":         true,
	"pg_toast":           true,
	"postgres":           true,
	"template0":          true,
	"template1":          true,
}

// NormalizeTenantSlug trims and lowercases raw and validates the result.
// Only the normalized form may be used to build SQL identifiers.
func NormalizeTenantSlug(raw string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if slug == "" {
		return "", apperr.Validationf("tenant slug is required")
	}
	if !tenantSlugPattern.MatchString(slug) {
		return "", apperr.Validationf("invalid tenant slug %q", raw)
	}
	if strings.HasPrefix(slug, "pg_") || reservedSchemas[slug] {
		return "", apperr.Validationf("tenant slug %q is reserved", slug)
	}
	return slug, nil
}

// SchemaName returns the schema owned by a normalized tenant slug.
func SchemaName(slug string) string {
	return SchemaPrefix + slug
}
