package leadsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const postgresStoreTimeout = 10 * time.Second

// PostgresStore implements the persistence collaborator directly against a
// relational database. Inserts return the persisted record (RETURNING *);
// updates apply a partial field set against an allow-list of columns.
type PostgresStore struct {
	dsn      string
	notifier *Notifier
	logger   Logger

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

var leadColumns = map[string]string{
	"customer_name":  "customer_name",
	"customer_phone": "customer_phone",
	"customer_email": "customer_email",
	"location":       "location",
	"source_id":      "source_id",
	"assigned_to":    "assigned_to",
	"status":         "status",
}

var leadOrderColumns = map[string]string{
	"created_at":    "created_at",
	"updated_at":    "updated_at",
	"customer_name": "customer_name",
	"status":        "status",
}

func NewPostgresStore(dsn string, opts StoreOptions) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:      dsn,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sqlx.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresStoreTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS leads (
				id TEXT PRIMARY KEY,
				customer_name TEXT NOT NULL DEFAULT '',
				customer_phone TEXT NOT NULL DEFAULT '',
				customer_email TEXT NOT NULL DEFAULT '',
				location TEXT NOT NULL DEFAULT '',
				source_id TEXT NOT NULL DEFAULT '',
				assigned_to TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'new',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS sales_persons (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS lead_sources (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS pipeline_stages (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				position INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS lead_stage_assignments (
				id TEXT PRIMARY KEY,
				lead_id TEXT NOT NULL UNIQUE,
				stage_id TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) ListLeads(ctx context.Context, opts ListOptions) ([]Lead, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM leads" + orderClause(opts, leadOrderColumns, "created_at DESC")
	leads := []Lead{}
	if err := s.db.SelectContext(ctx, &leads, query); err != nil {
		return nil, err
	}
	return leads, nil
}

func (s *PostgresStore) InsertLead(ctx context.Context, lead Lead) (Lead, error) {
	if err := s.ensureReady(); err != nil {
		return Lead{}, err
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	if lead.UpdatedAt.IsZero() {
		lead.UpdatedAt = now
	}
	if lead.Status == "" {
		lead.Status = DefaultStatus
	}
	var out Lead
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO leads (id, customer_name, customer_phone, customer_email, location, source_id, assigned_to, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING *`,
		lead.ID, lead.Name, lead.Phone, lead.Email, lead.Location,
		lead.Source, lead.AssignedTo, lead.Status, lead.CreatedAt, lead.UpdatedAt,
	).StructScan(&out)
	if err != nil {
		return Lead{}, err
	}
	s.notify(TableLeads, ChangeInsert, out.ID)
	return out, nil
}

func (s *PostgresStore) UpdateLeadFields(ctx context.Context, id string, fields map[string]string) (Lead, error) {
	if err := s.ensureReady(); err != nil {
		return Lead{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Lead{}, ErrInvalidInput
	}
	assignments, args := buildAssignments(fields, leadColumns)
	if len(assignments) == 0 {
		return Lead{}, fmt.Errorf("%w: no updatable fields", ErrInvalidInput)
	}
	assignments = append(assignments, "updated_at = NOW()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE leads SET %s WHERE id = $%d RETURNING *",
		strings.Join(assignments, ", "), len(args))

	var out Lead
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, fmt.Errorf("%w: lead %s", ErrNotFound, id)
	}
	if err != nil {
		return Lead{}, err
	}
	s.notify(TableLeads, ChangeUpdate, out.ID)
	return out, nil
}

func (s *PostgresStore) DeleteLead(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, "leads", id); err != nil {
		return err
	}
	s.notify(TableLeads, ChangeDelete, id)
	return nil
}

func (s *PostgresStore) ListSalesPersons(ctx context.Context, opts ListOptions) ([]SalesPerson, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM sales_persons" + orderClause(opts, nameOrderColumns, "name ASC")
	persons := []SalesPerson{}
	if err := s.db.SelectContext(ctx, &persons, query); err != nil {
		return nil, err
	}
	return persons, nil
}

func (s *PostgresStore) InsertSalesPerson(ctx context.Context, person SalesPerson) (SalesPerson, error) {
	if err := s.ensureReady(); err != nil {
		return SalesPerson{}, err
	}
	if person.ID == "" {
		person.ID = uuid.NewString()
	}
	if person.CreatedAt.IsZero() {
		person.CreatedAt = time.Now().UTC()
	}
	var out SalesPerson
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO sales_persons (id, name, email, phone, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`,
		person.ID, person.Name, person.Email, person.Phone, person.CreatedAt,
	).StructScan(&out)
	if err != nil {
		return SalesPerson{}, err
	}
	s.notify(TableSalesPersons, ChangeInsert, out.ID)
	return out, nil
}

func (s *PostgresStore) UpdateSalesPersonFields(ctx context.Context, id string, fields map[string]string) (SalesPerson, error) {
	var out SalesPerson
	err := s.updateByID(ctx, "sales_persons", id, fields, personColumns, &out)
	if err != nil {
		return SalesPerson{}, err
	}
	s.notify(TableSalesPersons, ChangeUpdate, id)
	return out, nil
}

func (s *PostgresStore) DeleteSalesPerson(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, "sales_persons", id); err != nil {
		return err
	}
	s.notify(TableSalesPersons, ChangeDelete, id)
	return nil
}

func (s *PostgresStore) ListLeadSources(ctx context.Context, opts ListOptions) ([]LeadSource, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM lead_sources" + orderClause(opts, nameOrderColumns, "name ASC")
	sources := []LeadSource{}
	if err := s.db.SelectContext(ctx, &sources, query); err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *PostgresStore) InsertLeadSource(ctx context.Context, source LeadSource) (LeadSource, error) {
	if err := s.ensureReady(); err != nil {
		return LeadSource{}, err
	}
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = time.Now().UTC()
	}
	var out LeadSource
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO lead_sources (id, name, created_at)
		VALUES ($1, $2, $3)
		RETURNING *`,
		source.ID, source.Name, source.CreatedAt,
	).StructScan(&out)
	if err != nil {
		return LeadSource{}, err
	}
	s.notify(TableLeadSources, ChangeInsert, out.ID)
	return out, nil
}

func (s *PostgresStore) UpdateLeadSourceFields(ctx context.Context, id string, fields map[string]string) (LeadSource, error) {
	var out LeadSource
	err := s.updateByID(ctx, "lead_sources", id, fields, map[string]string{"name": "name"}, &out)
	if err != nil {
		return LeadSource{}, err
	}
	s.notify(TableLeadSources, ChangeUpdate, id)
	return out, nil
}

func (s *PostgresStore) DeleteLeadSource(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, "lead_sources", id); err != nil {
		return err
	}
	s.notify(TableLeadSources, ChangeDelete, id)
	return nil
}

func (s *PostgresStore) ListPipelineStages(ctx context.Context, opts ListOptions) ([]PipelineStage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM pipeline_stages" + orderClause(opts, stageOrderColumns, "position ASC")
	stages := []PipelineStage{}
	if err := s.db.SelectContext(ctx, &stages, query); err != nil {
		return nil, err
	}
	return stages, nil
}

func (s *PostgresStore) InsertPipelineStage(ctx context.Context, stage PipelineStage) (PipelineStage, error) {
	if err := s.ensureReady(); err != nil {
		return PipelineStage{}, err
	}
	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	if stage.CreatedAt.IsZero() {
		stage.CreatedAt = time.Now().UTC()
	}
	var out PipelineStage
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO pipeline_stages (id, name, position, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING *`,
		stage.ID, stage.Name, stage.Position, stage.CreatedAt,
	).StructScan(&out)
	if err != nil {
		return PipelineStage{}, err
	}
	s.notify(TablePipelineStages, ChangeInsert, out.ID)
	return out, nil
}

func (s *PostgresStore) UpdatePipelineStageFields(ctx context.Context, id string, fields map[string]string) (PipelineStage, error) {
	var out PipelineStage
	err := s.updateByID(ctx, "pipeline_stages", id, fields, map[string]string{"name": "name", "position": "position"}, &out)
	if err != nil {
		return PipelineStage{}, err
	}
	s.notify(TablePipelineStages, ChangeUpdate, id)
	return out, nil
}

func (s *PostgresStore) DeletePipelineStage(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, "pipeline_stages", id); err != nil {
		return err
	}
	s.notify(TablePipelineStages, ChangeDelete, id)
	return nil
}

func (s *PostgresStore) ListStageAssignments(ctx context.Context, opts ListOptions) ([]StageAssignment, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := "SELECT * FROM lead_stage_assignments" + orderClause(opts, map[string]string{"updated_at": "updated_at"}, "updated_at DESC")
	assignments := []StageAssignment{}
	if err := s.db.SelectContext(ctx, &assignments, query); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (s *PostgresStore) UpsertStageAssignment(ctx context.Context, leadID, stageID string) (StageAssignment, error) {
	if err := s.ensureReady(); err != nil {
		return StageAssignment{}, err
	}
	if strings.TrimSpace(leadID) == "" || strings.TrimSpace(stageID) == "" {
		return StageAssignment{}, ErrInvalidInput
	}
	var out StageAssignment
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO lead_stage_assignments (id, lead_id, stage_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (lead_id)
		DO UPDATE SET stage_id = EXCLUDED.stage_id, updated_at = NOW()
		RETURNING *`,
		uuid.NewString(), leadID, stageID,
	).StructScan(&out)
	if err != nil {
		return StageAssignment{}, err
	}
	s.notify(TableStageAssignments, ChangeUpdate, out.ID)
	return out, nil
}

func (s *PostgresStore) DeleteStageAssignment(ctx context.Context, id string) error {
	if err := s.deleteByID(ctx, "lead_stage_assignments", id); err != nil {
		return err
	}
	s.notify(TableStageAssignments, ChangeDelete, id)
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) updateByID(ctx context.Context, table, id string, fields, allowed map[string]string, dest any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	assignments, args := buildAssignments(fields, allowed)
	if len(assignments) == 0 {
		return fmt.Errorf("%w: no updatable fields", ErrInvalidInput)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING *",
		postgresQuoteIdentifier(table), strings.Join(assignments, ", "), len(args))
	err := s.db.QueryRowxContext(ctx, query, args...).StructScan(dest)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return err
}

func (s *PostgresStore) deleteByID(ctx context.Context, table, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(table))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if affected, affErr := result.RowsAffected(); affErr == nil && affected == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return nil
}

func (s *PostgresStore) notify(table string, changeType ChangeType, id string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ChangeEvent{Table: table, Type: changeType, RecordID: id})
}

var (
	personColumns     = map[string]string{"name": "name", "email": "email", "phone": "phone"}
	nameOrderColumns  = map[string]string{"name": "name", "created_at": "created_at"}
	stageOrderColumns = map[string]string{"name": "name", "position": "position", "created_at": "created_at"}
)

// buildAssignments turns a partial field set into SET clauses, dropping
// anything outside the allow-list. Keys are sorted so generated SQL is
// stable.
func buildAssignments(fields, allowed map[string]string) ([]string, []any) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if _, ok := allowed[key]; ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	assignments := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, key := range keys {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", allowed[key], i+1))
		args = append(args, fields[key])
	}
	return assignments, args
}

func orderClause(opts ListOptions, allowed map[string]string, fallback string) string {
	clause := " ORDER BY " + fallback
	if column, ok := allowed[strings.TrimSpace(opts.OrderBy)]; ok {
		direction := "ASC"
		if opts.Descending {
			direction = "DESC"
		}
		clause = fmt.Sprintf(" ORDER BY %s %s", column, direction)
	}
	if opts.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return clause
}
