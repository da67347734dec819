package db

import (
	"testing"

	"github.com/polyclinic/clinic/internal/platform/apperr"
)

func TestNormalizeTenantSlug_Valid(t *testing.T) {
	tests := map[string]string{
		"acme":            "acme",
		"  Acme_Clinic  ": "acme_clinic",
		"clinic_42":       "clinic_42",
		"a":               "a",
	}
	for in, want := range tests {
		got, err := NormalizeTenantSlug(in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizeTenantSlug_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"   ",
		"acme-clinic",
		"acme;drop",
		"with space",
		"ünicode",
		"pg_anything",
		"public",
		"Shared",
		"information_schema",
		"pg_catalog",
		"postgres",
		"template0",
		"template1",
		"abcdefghijabcdefghijabcdefghijabcdefghijabcdefghij",
	}
	for _, in := range invalid {
		_, err := NormalizeTenantSlug(in)
		if err == nil {
			t.Errorf("%q: expected error", in)
			continue
		}
		if !apperr.IsKind(err, apperr.Validation) {
			t.Errorf("%q: expected validation error, got %v", in, err)
		}
	}
}

func TestNormalizeTenantSlug_MaxLength(t *testing.T) {
	slug := "abcdefghijabcdefghijabcdefghijabcdefghijabcdefgh"
	if len(slug) != 48 {
		t.Fatalf("fixture should be 48 chars, got %d", len(slug))
	}
	if _, err := NormalizeTenantSlug(slug); err != nil {
		t.Errorf("48 chars should be accepted: %v", err)
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("acme"); got != "tenant_acme" {
		t.Errorf("expected tenant_acme, got %s", got)
	}
}

func TestSearchPath(t *testing.T) {
	got := SearchPath("tenant_acme", "shared")
	want := `"tenant_acme", "shared", public`
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
