package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/polyclinic/clinic/internal/platform/db"
)

func countTenantObjects(t *testing.T, ctx context.Context, schema string) (schemas, tables, types int) {
	t.Helper()
	err := globalDB.Pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM pg_namespace WHERE nspname = $1),
			(SELECT count(*) FROM information_schema.tables WHERE table_schema = $1),
			(SELECT count(*) FROM pg_type t JOIN pg_namespace n ON n.oid = t.typnamespace
				WHERE n.nspname = $1 AND t.typtype = 'e')`, schema).Scan(&schemas, &tables, &types)
	if err != nil {
		t.Fatalf("count objects in %s: %v", schema, err)
	}
	return schemas, tables, types
}

func TestEnsure_RepeatedCalls(t *testing.T) {
	ctx := context.Background()
	slug := uniqueTenant("prov_seq")
	defer dropTenantSchema(t, slug)

	p := newProvisioner(globalDB.Pool)
	for i := 0; i < 3; i++ {
		if err := p.Ensure(ctx, slug); err != nil {
			t.Fatalf("ensure #%d: %v", i+1, err)
		}
	}

	schemas, tables, types := countTenantObjects(t, ctx, db.SchemaName(slug))
	if schemas != 1 || tables != 3 || types != 4 {
		t.Errorf("expected 1 schema, 3 tables, 4 types, got %d, %d, %d", schemas, tables, types)
	}
}

func TestEnsure_Concurrent(t *testing.T) {
	ctx := context.Background()
	slug := uniqueTenant("prov_conc")
	defer dropTenantSchema(t, slug)

	p := newProvisioner(globalDB.Pool)
	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Ensure(ctx, slug)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("ensure #%d: %v", i+1, err)
		}
	}
	schemas, tables, types := countTenantObjects(t, ctx, db.SchemaName(slug))
	if schemas != 1 || tables != 3 || types != 4 {
		t.Errorf("expected 1 schema, 3 tables, 4 types, got %d, %d, %d", schemas, tables, types)
	}
}

func TestRegistry_ConcurrentFirstUse(t *testing.T) {
	ctx := context.Background()
	slug := uniqueTenant("reg")
	defer dropTenantSchema(t, slug)

	reg := newRegistry()
	defer reg.CloseAll()

	const n = 10
	conns := make([]*db.TenantConn, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = reg.GetOrCreate(ctx, slug)
		}(i)
	}
	wg.Wait()

	for i := range conns {
		if errs[i] != nil {
			t.Fatalf("get #%d: %v", i+1, errs[i])
		}
		if conns[i] != conns[0] {
			t.Fatalf("expected every caller to share one handle")
		}
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 cached handle, got %d", reg.Len())
	}

	var current string
	if err := conns[0].QueryRow(ctx, "SELECT current_schema()").Scan(&current); err != nil {
		t.Fatalf("current_schema: %v", err)
	}
	if current != db.SchemaName(slug) {
		t.Errorf("expected current schema %s, got %q", db.SchemaName(slug), current)
	}
}

func TestRegistry_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	a, b := uniqueTenant("iso_a"), uniqueTenant("iso_b")
	defer dropTenantSchema(t, a)
	defer dropTenantSchema(t, b)

	reg := newRegistry()
	defer reg.CloseAll()

	ca, err := reg.GetOrCreate(ctx, a)
	if err != nil {
		t.Fatalf("get %s: %v", a, err)
	}
	cb, err := reg.GetOrCreate(ctx, b)
	if err != nil {
		t.Fatalf("get %s: %v", b, err)
	}
	if _, err := ca.Exec(ctx, `INSERT INTO activity_logs (id, entity_type, entity_id, action) VALUES (gen_random_uuid(), 'QUEUE', gen_random_uuid(), 'CREATE')`); err != nil {
		t.Fatalf("insert into %s: %v", a, err)
	}

	var countA, countB int
	if err := ca.QueryRow(ctx, "SELECT count(*) FROM activity_logs").Scan(&countA); err != nil {
		t.Fatalf("count %s: %v", a, err)
	}
	if err := cb.QueryRow(ctx, "SELECT count(*) FROM activity_logs").Scan(&countB); err != nil {
		t.Fatalf("count %s: %v", b, err)
	}
	if countA != 1 || countB != 0 {
		t.Errorf("expected 1 row in %s and 0 in %s, got %d and %d", a, b, countA, countB)
	}
}
