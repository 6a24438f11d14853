package leadsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ListOptions control ordering and truncation of table listings.
type ListOptions struct {
	OrderBy    string
	Descending bool
	Limit      int
}

// LeadStore is the slice of the persistence collaborator the reconciliation
// engine needs.
type LeadStore interface {
	ListLeads(ctx context.Context, opts ListOptions) ([]Lead, error)
	InsertLead(ctx context.Context, lead Lead) (Lead, error)
	UpdateLeadFields(ctx context.Context, id string, fields map[string]string) (Lead, error)
}

// TableStore is the full persistence collaborator surface over the five
// dashboard tables.
type TableStore interface {
	LeadStore
	DeleteLead(ctx context.Context, id string) error

	ListSalesPersons(ctx context.Context, opts ListOptions) ([]SalesPerson, error)
	InsertSalesPerson(ctx context.Context, person SalesPerson) (SalesPerson, error)
	UpdateSalesPersonFields(ctx context.Context, id string, fields map[string]string) (SalesPerson, error)
	DeleteSalesPerson(ctx context.Context, id string) error

	ListLeadSources(ctx context.Context, opts ListOptions) ([]LeadSource, error)
	InsertLeadSource(ctx context.Context, source LeadSource) (LeadSource, error)
	UpdateLeadSourceFields(ctx context.Context, id string, fields map[string]string) (LeadSource, error)
	DeleteLeadSource(ctx context.Context, id string) error

	ListPipelineStages(ctx context.Context, opts ListOptions) ([]PipelineStage, error)
	InsertPipelineStage(ctx context.Context, stage PipelineStage) (PipelineStage, error)
	UpdatePipelineStageFields(ctx context.Context, id string, fields map[string]string) (PipelineStage, error)
	DeletePipelineStage(ctx context.Context, id string) error

	ListStageAssignments(ctx context.Context, opts ListOptions) ([]StageAssignment, error)
	UpsertStageAssignment(ctx context.Context, leadID, stageID string) (StageAssignment, error)
	DeleteStageAssignment(ctx context.Context, id string) error

	Close() error
}

// StoreOptions carry the cross-cutting collaborators a store implementation
// may use.
type StoreOptions struct {
	Notifier *Notifier
	Logger   Logger
	// Token authenticates against the HTTP table store; ignored by Postgres.
	Token string
	// HTTPClient overrides the default client of the HTTP table store.
	HTTPClient *http.Client
}

// BuildTableStoreFromDSN selects a store implementation by DSN scheme:
// postgres:// opens the relational store, http:// and https:// the remote
// table-store client.
func BuildTableStoreFromDSN(dsn string, opts StoreOptions) (TableStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "http", "https":
		return NewHTTPTableStore(dsn, opts), nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: table store %s", ErrNotImplemented, parsed.Scheme)
	default:
		return nil, fmt.Errorf("unsupported table store scheme: %s", parsed.Scheme)
	}
}
