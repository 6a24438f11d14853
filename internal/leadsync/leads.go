// Package leadsync reconciles externally-sourced spreadsheet rows into the
// lead collection backing a sales dashboard, submitting persistence to the
// table store as independent background tasks.
package leadsync

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	TableLeads            = "leads"
	TableSalesPersons     = "sales_persons"
	TableLeadSources      = "lead_sources"
	TablePipelineStages   = "pipeline_stages"
	TableStageAssignments = "lead_stage_assignments"
)

// DefaultStatus is assigned to inserted leads whose mapped row carries none.
const DefaultStatus = "new"

type Logger interface {
	Printf(format string, args ...any)
}

// Lead is the canonical record. ID is assigned by the persistence store on
// creation and is empty for records merged from the sheet but not yet
// persisted; LocalRef identifies such placeholders inside the in-memory
// collection until the insert completes.
type Lead struct {
	ID         string    `json:"id,omitempty" db:"id"`
	LocalRef   string    `json:"local_ref,omitempty" db:"-"`
	Name       string    `json:"customer_name" db:"customer_name"`
	Phone      string    `json:"customer_phone" db:"customer_phone"`
	Email      string    `json:"customer_email" db:"customer_email"`
	Location   string    `json:"location" db:"location"`
	Source     string    `json:"source_id,omitempty" db:"source_id"`
	AssignedTo string    `json:"assigned_to,omitempty" db:"assigned_to"`
	Status     string    `json:"status" db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Identifiable reports whether the lead carries at least one usable matching
// key. A lead with none cannot be reconciled and is rejected by the merge.
func (l Lead) Identifiable() bool {
	return l.ID != "" ||
		strings.TrimSpace(l.Email) != "" ||
		strings.TrimSpace(l.Phone) != "" ||
		normalizeName(l.Name) != ""
}

func (l Lead) RecordID() string { return l.ID }

type SalesPerson struct {
	ID        string    `json:"id,omitempty" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email,omitempty" db:"email"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (p SalesPerson) RecordID() string { return p.ID }

type LeadSource struct {
	ID        string    `json:"id,omitempty" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (s LeadSource) RecordID() string { return s.ID }

type PipelineStage struct {
	ID        string    `json:"id,omitempty" db:"id"`
	Name      string    `json:"name" db:"name"`
	Position  int       `json:"position" db:"position"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (s PipelineStage) RecordID() string { return s.ID }

// StageAssignment tracks the 0..1 pipeline stage a lead currently occupies.
type StageAssignment struct {
	ID        string    `json:"id,omitempty" db:"id"`
	LeadID    string    `json:"lead_id" db:"lead_id"`
	StageID   string    `json:"stage_id" db:"stage_id"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (a StageAssignment) RecordID() string { return a.ID }

// normalizeName produces the name matching key: trimmed, lowercased, internal
// whitespace runs collapsed to a single space.
func normalizeName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	return strings.Join(fields, " ")
}
