package db

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/polyclinic/clinic/internal/platform/apperr"
)

var createPattern = regexp.MustCompile(`^CREATE (SCHEMA IF NOT EXISTS|TYPE|TABLE|INDEX IF NOT EXISTS) ("[^"]+"(?:\."[^"]+")?(?:\.\w+)?|\w+)`)

// fakeCatalog emulates the parts of the Postgres catalog the provisioner
// reads and writes. With staleReads set, every existence check reports the
// object as absent, which is what racing provisioners observe.
type fakeCatalog struct {
	mu         sync.Mutex
	objects    map[string]bool
	creates    map[string]int
	statements []string
	staleReads bool
	failOn     string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{objects: map[string]bool{}, creates: map[string]int{}}
}

type fakeRow struct {
	val bool
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.val
	return nil
}

func (f *fakeCatalog) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	var key string
	switch sql {
	case schemaExistsSQL:
		key = "schema:" + args[0].(string)
	case typeExistsSQL:
		key = "type:" + args[0].(string) + "." + args[1].(string)
	case tableExistsSQL:
		key = "table:" + args[0].(string) + "." + args[1].(string)
	default:
		return fakeRow{err: errors.New("unexpected query: " + sql)}
	}
	if f.staleReads {
		return fakeRow{val: false}
	}
	return fakeRow{val: f.objects[key]}
}

func (f *fakeCatalog) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeCatalog) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statements = append(f.statements, sql)
	if f.failOn != "" && strings.Contains(sql, f.failOn) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "42601", Message: "syntax error"}
	}

	m := createPattern.FindStringSubmatch(sql)
	if m == nil {
		return pgconn.CommandTag{}, errors.New("unexpected statement: " + sql)
	}
	name := strings.ReplaceAll(m[2], `"`, "")

	var key, code string
	switch m[1] {
	case "SCHEMA IF NOT EXISTS":
		key, code = "schema:"+name, CodeDuplicateSchema
	case "TYPE":
		key, code = "type:"+name, CodeDuplicateObject
	case "TABLE":
		key, code = "table:"+name, CodeDuplicateTable
	case "INDEX IF NOT EXISTS":
		key = "index:" + name
		if f.objects[key] {
			return pgconn.NewCommandTag("CREATE INDEX"), nil
		}
	}

	if f.objects[key] {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: code, Message: "already exists"}
	}
	f.objects[key] = true
	f.creates[key]++
	return pgconn.NewCommandTag("CREATE"), nil
}

func (f *fakeCatalog) createStatements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statements {
		if !strings.HasPrefix(s, "CREATE INDEX") {
			n++
		}
	}
	return n
}

func TestProvisioner_EnsureCreatesTenantObjects(t *testing.T) {
	cat := newFakeCatalog()
	p := NewProvisioner(cat, "shared", zerolog.Nop())

	if err := p.Ensure(context.Background(), "acme"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"schema:tenant_acme",
		"type:tenant_acme.queue_status",
		"type:tenant_acme.payment_mode",
		"type:tenant_acme.payment_status",
		"type:tenant_acme.payment_provider",
		"table:tenant_acme.payments",
		"table:tenant_acme.appointment_queue",
		"table:tenant_acme.activity_logs",
	}
	for _, key := range want {
		if !cat.objects[key] {
			t.Errorf("expected %s to be created", key)
		}
	}
}

func TestProvisioner_EnsureSharedCreatesSharedObjects(t *testing.T) {
	cat := newFakeCatalog()
	p := NewProvisioner(cat, "shared", zerolog.Nop())

	if err := p.EnsureShared(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{
		"schema:shared",
		"type:shared.membership_status",
		"type:shared.clinical_record_type",
		"table:shared.patients",
		"table:shared.doctors",
		"table:shared.doctor_tenant_memberships",
		"table:shared.patient_tenant_memberships",
		"table:shared.patient_clinical_records",
	} {
		if !cat.objects[key] {
			t.Errorf("expected %s to be created", key)
		}
	}
}

func TestProvisioner_EnsureIsIdempotent(t *testing.T) {
	cat := newFakeCatalog()
	p := NewProvisioner(cat, "shared", zerolog.Nop())
	ctx := context.Background()

	if err := p.Ensure(ctx, "acme"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := cat.createStatements()

	if err := p.Ensure(ctx, "acme"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := cat.createStatements(); got != first {
		t.Errorf("second run issued %d non-index CREATE statements", got-first)
	}
}

func TestProvisioner_ConcurrentEnsureTreatsDuplicatesAsSuccess(t *testing.T) {
	cat := newFakeCatalog()
	cat.staleReads = true
	p := NewProvisioner(cat, "shared", zerolog.Nop())

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Ensure(context.Background(), "acme")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("expected success, got %v", err)
		}
	}
	for key, n := range cat.creates {
		if n != 1 {
			t.Errorf("%s created %d times", key, n)
		}
	}
}

func TestProvisioner_FailureIsRepairedByNextRun(t *testing.T) {
	cat := newFakeCatalog()
	cat.failOn = "appointment_queue ("
	p := NewProvisioner(cat, "shared", zerolog.Nop())
	ctx := context.Background()

	err := p.Ensure(ctx, "acme")
	if !apperr.IsKind(err, apperr.Provisioning) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if !cat.objects["table:tenant_acme.payments"] {
		t.Error("objects before the failure should exist")
	}
	if cat.objects["table:tenant_acme.appointment_queue"] {
		t.Error("failed table should not exist")
	}

	cat.failOn = ""
	if err := p.Ensure(ctx, "acme"); err != nil {
		t.Fatalf("repair run: %v", err)
	}
	if !cat.objects["table:tenant_acme.appointment_queue"] {
		t.Error("repair run should create the missing table")
	}
	if cat.creates["table:tenant_acme.payments"] != 1 {
		t.Error("repair run should not recreate existing tables")
	}
}

func TestProvisioner_RejectsInvalidSlug(t *testing.T) {
	cat := newFakeCatalog()
	p := NewProvisioner(cat, "shared", zerolog.Nop())

	err := p.Ensure(context.Background(), "pg_catalog")
	if !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(cat.statements) != 0 {
		t.Errorf("no DDL should run for an invalid slug, got %v", cat.statements)
	}
}

func TestIsAlreadyExists(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: CodeDuplicateSchema}, true},
		{&pgconn.PgError{Code: CodeDuplicateObject}, true},
		{&pgconn.PgError{Code: CodeDuplicateTable}, true},
		{&pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "pg_type_typname_nsp_index"}, true},
		{&pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "appointment_queue_aid_key"}, false},
		{&pgconn.PgError{Code: "42601"}, false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsAlreadyExists(tt.err); got != tt.want {
			t.Errorf("%v: expected %v, got %v", tt.err, tt.want, got)
		}
	}
}
