package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

type enumType struct {
	name   string
	values []string
}

// table DDL is a format string: %[1]s is the quoted target schema and
// %[2]s the quoted shared schema.
type table struct {
	name    string
	ddl     string
	indexes []string
}

type layout struct {
	scope  string
	schema string
	shared string
	enums  []enumType
	tables []table
}

func (l layout) qualified(name string) string {
	return pgx.Identifier{l.schema, name}.Sanitize()
}

func (l layout) createEnum(e enumType) string {
	quoted := make([]string, len(e.values))
	for i, v := range e.values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", l.qualified(e.name), strings.Join(quoted, ", "))
}

func (l layout) render(stmt string) string {
	return fmt.Sprintf(stmt, pgx.Identifier{l.schema}.Sanitize(), pgx.Identifier{l.shared}.Sanitize())
}

func sharedLayout(shared string) layout {
	return layout{
		scope:  "shared",
		schema: shared,
		shared: shared,
		enums: []enumType{
			{name: "membership_status", values: []string{"ACTIVE", "REVOKED"}},
			{name: "clinical_record_type", values: []string{"APPOINTMENT_NOTE", "PRESCRIPTION"}},
		},
		tables: []table{
			{
				name: "tenants",
				ddl: `CREATE TABLE %[1]s.tenants (
	id         UUID PRIMARY KEY,
	slug       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
			},
			{
				name: "patients",
				ddl: `CREATE TABLE %[1]s.patients (
	id         UUID PRIMARY KEY,
	user_id    UUID,
	name       TEXT NOT NULL,
	email      TEXT,
	phone      TEXT,
	gender     TEXT,
	age        INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
				indexes: []string{
					`CREATE INDEX IF NOT EXISTS idx_patients_user ON %[1]s.patients (user_id)`,
				},
			},
			{
				name: "doctors",
				ddl: `CREATE TABLE %[1]s.doctors (
	id             UUID PRIMARY KEY,
	user_id        UUID,
	name           TEXT NOT NULL,
	email          TEXT,
	phone          TEXT,
	code           VARCHAR(3),
	specialization TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
				indexes: []string{
					`CREATE INDEX IF NOT EXISTS idx_doctors_user ON %[1]s.doctors (user_id)`,
				},
			},
			{
				name: "doctor_tenant_memberships",
				ddl: `CREATE TABLE %[1]s.doctor_tenant_memberships (
	id          UUID PRIMARY KEY,
	doctor_id   UUID NOT NULL REFERENCES %[1]s.doctors (id),
	tenant_slug TEXT NOT NULL,
	status      %[1]s.membership_status NOT NULL DEFAULT 'ACTIVE',
	code        VARCHAR(3),
	designation TEXT,
	seating     TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (doctor_id, tenant_slug),
	UNIQUE (tenant_slug, code)
)`,
				indexes: []string{
					`CREATE INDEX IF NOT EXISTS idx_dtm_tenant_status ON %[1]s.doctor_tenant_memberships (tenant_slug, status)`,
				},
			},
			{
				name: "patient_tenant_memberships",
				ddl: `CREATE TABLE %[1]s.patient_tenant_memberships (
	id                    UUID PRIMARY KEY,
	patient_id            UUID NOT NULL REFERENCES %[1]s.patients (id),
	tenant_slug           TEXT NOT NULL,
	status                %[1]s.membership_status NOT NULL DEFAULT 'ACTIVE',
	share_medical_history BOOLEAN NOT NULL DEFAULT false,
	tenant_mrn            TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (patient_id, tenant_slug)
)`,
				indexes: []string{
					`CREATE INDEX IF NOT EXISTS idx_ptm_tenant_status ON %[1]s.patient_tenant_memberships (tenant_slug, status)`,
				},
			},
			{
				name: "patient_clinical_records",
				ddl: `CREATE TABLE %[1]s.patient_clinical_records (
	id                 UUID PRIMARY KEY,
	patient_id         UUID NOT NULL REFERENCES %[1]s.patients (id),
	source_tenant_slug TEXT NOT NULL,
	encounter_ref      TEXT NOT NULL,
	occurred_at        TIMESTAMPTZ NOT NULL,
	record_type        %[1]s.clinical_record_type NOT NULL,
	payload            JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (patient_id, encounter_ref, record_type)
)`,
				indexes: []string{
					`CREATE INDEX IF NOT EXISTS idx_pcr_patient_occurred ON %[1]s.patient_clinical_records (patient_id, occurred_at DESC)`,
				},
			},
		},
	}
}

func tenantLayout(schema, shared string) layout {
	return layout{
		scope:  "tenant",
		schema: schema,
		shared: shared,
		enums: []enumType{
			{name: "queue_status", values: []string{
				"PAYMENT_PENDING", "PAYMENT_FAILED", "BOOKED", "CALLED",
				"IN_CONSULTATION", "SKIPPED", "COMPLETED", "CANCELLED",
			}},
			{name: "payment_mode", values: []string{"CASH", "ONLINE"}},
			{name: "payment_status", values: []string{"CREATED", "PAID", "FAILED"}},
			{name: "payment_provider", values: []string{"RAZORPAY", "CASH"}},
		},
		tables: []table{
			{
				name: "payments",
				ddl: `CREATE TABLE %[1]s.payments (
	id         UUID PRIMARY KEY,
	provider   %[1]s.payment_provider NOT NULL,
	order_id   TEXT NOT NULL UNIQUE,
	payment_id TEXT,
	signature  TEXT,
	amount     INTEGER NOT NULL,
	currency   TEXT NOT NULL DEFAULT 'INR',
	status     %[1]s.payment_status NOT NULL DEFAULT 'CREATED',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
			},
			{
				name: "appointment_queue",
				ddl: `CREATE TABLE %[1]s.appointment_queue (
	id               UUID PRIMARY KEY,
	aid              TEXT NOT NULL UNIQUE,
	patient_id       UUID NOT NULL,
	doctor_id        UUID NOT NULL,
	booked_by        UUID,
	appointment_date DATE NOT NULL,
	sequence_number  INTEGER NOT NULL,
	status           %[1]s.queue_status NOT NULL,
	payment_mode     %[1]s.payment_mode NOT NULL,
	payment_id       UUID REFERENCES %[1]s.payments (id),
	counter          JSONB NOT NULL DEFAULT '{"skip":0,"clockIn":0,"call":0}'::jsonb,
	cancellation     JSONB,
	notes            TEXT,
	title            TEXT,
	prescription     TEXT,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	completed_by     UUID,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (doctor_id, appointment_date, sequence_number)
)`,
				indexes: []string{
					`CREATE INDEX IF NOT EXISTS idx_queue_doctor_date ON %[1]s.appointment_queue (doctor_id, appointment_date)`,
					`CREATE INDEX IF NOT EXISTS idx_queue_patient_date ON %[1]s.appointment_queue (patient_id, appointment_date)`,
					`CREATE INDEX IF NOT EXISTS idx_queue_payment ON %[1]s.appointment_queue (payment_id)`,
				},
			},
			{
				name: "activity_logs",
				ddl: `CREATE TABLE %[1]s.activity_logs (
	id          UUID PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   UUID NOT NULL,
	action      TEXT NOT NULL,
	actor_id    UUID,
	before      JSONB,
	after       JSONB,
	description TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
				indexes: []string{
					`CREATE INDEX IF NOT EXISTS idx_activity_entity ON %[1]s.activity_logs (entity_type, entity_id, created_at)`,
				},
			},
		},
	}
}
