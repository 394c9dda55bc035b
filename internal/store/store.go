// Package store is the durable metadata layer for the isolation core: the
// tenant registry, per-tenant namespaces, the tenant-scoped table catalog
// maintained by the migration guard, and the append-only violation log.
//
// These platform tables are deliberately not themselves tenant-scoped; they
// describe tenants rather than belong to one.
package store

import (
	"context"
	"time"
)

// IsolationMode is the per-tenant isolation strategy recorded at
// provisioning time.
type IsolationMode string

const (
	IsolationModeRow    IsolationMode = "row"
	IsolationModeSchema IsolationMode = "schema"
)

// TenantRecord describes a provisioned tenant.
type TenantRecord struct {
	ID            string
	DisplayName   string
	IsolationMode IsolationMode
	Active        bool
	CreatedAt     time.Time
	RetiredAt     *time.Time
}

// NamespaceRecord maps a schema-isolated tenant to its namespace. Namespaces
// are provisioned explicitly; the record is the registry entry that makes a
// namespace routable.
type NamespaceRecord struct {
	TenantID  string
	Namespace string
	CreatedAt time.Time
}

// ScopedTableRecord is the catalog entry for a tenant-scoped business table,
// written by the migration guard and consulted at audit time.
type ScopedTableRecord struct {
	TableName            string
	TenantColumn         string
	LeadingIndexes       []string
	UniqueIncludesTenant bool
	PolicyAttached       bool
	UpdatedAt            time.Time
}

// ViolationRecord is one append-only audit entry. It never carries row
// payloads, only enough to drive incident response.
type ViolationRecord struct {
	ID         string
	Kind       string
	Operation  string
	TableName  string
	TenantID   string // empty when no context was bound
	Privileged bool
	Outcome    string // "blocked" or "allowed_bypass"
	Detail     string
	OccurredAt time.Time
}

// MetadataStore is the persistence interface consumed by the registry,
// isolation manager, migration guard, and auditor.
type MetadataStore interface {
	Close() error
	Ping(ctx context.Context) error

	SaveTenant(ctx context.Context, t *TenantRecord) error
	GetTenant(ctx context.Context, id string) (*TenantRecord, error)
	ListTenants(ctx context.Context) ([]*TenantRecord, error)
	RetireTenant(ctx context.Context, id string) error

	SaveNamespace(ctx context.Context, ns *NamespaceRecord) error
	GetNamespace(ctx context.Context, tenantID string) (*NamespaceRecord, error)
	ListNamespaces(ctx context.Context) ([]*NamespaceRecord, error)

	UpsertScopedTable(ctx context.Context, rec *ScopedTableRecord) error
	GetScopedTable(ctx context.Context, tableName string) (*ScopedTableRecord, error)
	ListScopedTables(ctx context.Context) ([]*ScopedTableRecord, error)

	SaveViolation(ctx context.Context, v *ViolationRecord) error
	SaveViolations(ctx context.Context, vs []*ViolationRecord) error
	ListViolations(ctx context.Context, limit int) ([]*ViolationRecord, error)
}
