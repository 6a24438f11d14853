package leadsync

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/salespipe/leadsync/internal/sheetcsv"
)

type PersistOp string

const (
	PersistInsert PersistOp = "insert"
	PersistUpdate PersistOp = "update"
)

// PersistTask is one fire-and-forget persistence submission produced by a
// reconciliation pass. Updates carry the allow-listed non-empty fields keyed
// by the lead identifier; inserts carry the placeholder lead keyed by its
// LocalRef so the completed record can be swapped back into place.
type PersistTask struct {
	TaskID        string            `json:"taskId"`
	Op            PersistOp         `json:"op"`
	LeadID        string            `json:"leadId,omitempty"`
	LocalRef      string            `json:"localRef,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Lead          Lead              `json:"lead,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

type ReconcileResult struct {
	Leads    []*Lead
	Tasks    []PersistTask
	Matched  int
	Inserted int
	Skipped  int

	index *matchIndex
}

// matchIndex is the per-cycle lookup over the current collection. It is owned
// by one reconciliation pass and never persisted or shared across cycles.
type matchIndex struct {
	byID    map[string]*Lead
	byEmail map[string]*Lead
	byPhone map[string]*Lead
	byName  map[string]*Lead
}

func buildMatchIndex(leads []*Lead) *matchIndex {
	idx := &matchIndex{
		byID:    make(map[string]*Lead, len(leads)),
		byEmail: make(map[string]*Lead, len(leads)),
		byPhone: make(map[string]*Lead, len(leads)),
		byName:  make(map[string]*Lead, len(leads)),
	}
	for _, lead := range leads {
		idx.add(lead)
	}
	return idx
}

// add registers a lead under its keys. First writer wins, so when two
// existing leads share a key the one earlier in the collection is the match.
func (idx *matchIndex) add(lead *Lead) {
	if lead.ID != "" {
		if _, ok := idx.byID[lead.ID]; !ok {
			idx.byID[lead.ID] = lead
		}
	}
	if email := strings.ToLower(strings.TrimSpace(lead.Email)); email != "" {
		if _, ok := idx.byEmail[email]; !ok {
			idx.byEmail[email] = lead
		}
	}
	if phone := strings.TrimSpace(lead.Phone); phone != "" {
		if _, ok := idx.byPhone[phone]; !ok {
			idx.byPhone[phone] = lead
		}
	}
	if name := normalizeName(lead.Name); name != "" {
		if _, ok := idx.byName[name]; !ok {
			idx.byName[name] = lead
		}
	}
}

// refresh overwrites the lead's entries after its insert completed, so the
// persisted identifier and keys resolve for as long as this index lives.
func (idx *matchIndex) refresh(lead *Lead) {
	if lead.ID != "" {
		idx.byID[lead.ID] = lead
	}
	if email := strings.ToLower(strings.TrimSpace(lead.Email)); email != "" {
		idx.byEmail[email] = lead
	}
	if phone := strings.TrimSpace(lead.Phone); phone != "" {
		idx.byPhone[phone] = lead
	}
	if name := normalizeName(lead.Name); name != "" {
		idx.byName[name] = lead
	}
}

// resolve tries the keys in strict priority order: identifier, email, phone,
// normalized name. First hit wins; matches are never combined or
// cross-checked.
func (idx *matchIndex) resolve(id, email, phone, name string) *Lead {
	if id != "" {
		if lead, ok := idx.byID[id]; ok {
			return lead
		}
	}
	if email != "" {
		if lead, ok := idx.byEmail[email]; ok {
			return lead
		}
	}
	if phone != "" {
		if lead, ok := idx.byPhone[phone]; ok {
			return lead
		}
	}
	if name != "" {
		if lead, ok := idx.byName[name]; ok {
			return lead
		}
	}
	return nil
}

// Reconcile merges mapped rows into the current collection and returns the
// updated collection plus the pending persistence tasks, without performing
// any I/O. Matched rows are merged in place; unmatched rows become new leads
// prepended most-recent-first and registered under their normalized name
// immediately, so a later row in the same batch with the same name merges
// instead of inserting twice. Rows with no usable key are counted and
// skipped.
func Reconcile(rows []sheetcsv.MappedRow, current []*Lead, now time.Time, correlationID string) ReconcileResult {
	leads := append([]*Lead(nil), current...)
	idx := buildMatchIndex(leads)
	result := ReconcileResult{index: idx}

	for _, row := range rows {
		id := strings.TrimSpace(row.ID)
		email := strings.ToLower(strings.TrimSpace(row.Email))
		phone := strings.TrimSpace(row.Phone)
		name := normalizeName(row.Name)
		if id == "" && email == "" && phone == "" && name == "" {
			result.Skipped++
			continue
		}

		if lead := idx.resolve(id, email, phone, name); lead != nil {
			fields := mergeLead(lead, row, now)
			result.Matched++
			if lead.ID != "" && len(fields) > 0 {
				result.Tasks = append(result.Tasks, PersistTask{
					TaskID:        uuid.NewString(),
					Op:            PersistUpdate,
					LeadID:        lead.ID,
					Fields:        fields,
					CorrelationID: correlationID,
				})
			}
			continue
		}

		status := strings.TrimSpace(row.Status)
		if status == "" {
			status = DefaultStatus
		}
		lead := &Lead{
			LocalRef:   uuid.NewString(),
			Name:       row.Name,
			Phone:      row.Phone,
			Email:      row.Email,
			Location:   row.Location,
			Source:     row.Source,
			AssignedTo: row.AssignedTo,
			Status:     status,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		leads = append([]*Lead{lead}, leads...)
		if name != "" {
			if _, ok := idx.byName[name]; !ok {
				idx.byName[name] = lead
			}
		}
		result.Inserted++
		result.Tasks = append(result.Tasks, PersistTask{
			TaskID:        uuid.NewString(),
			Op:            PersistInsert,
			LocalRef:      lead.LocalRef,
			Lead:          *lead,
			CorrelationID: correlationID,
		})
	}

	result.Leads = leads
	return result
}

// mergeLead copies the row's present fields onto the lead and returns the
// allow-listed wire fields for the partial update. Fields the row does not
// supply are left untouched.
func mergeLead(lead *Lead, row sheetcsv.MappedRow, now time.Time) map[string]string {
	fields := map[string]string{}
	set := func(column, value string, dst *string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		*dst = value
		fields[column] = value
	}
	set("customer_name", row.Name, &lead.Name)
	set("customer_phone", row.Phone, &lead.Phone)
	set("customer_email", row.Email, &lead.Email)
	set("location", row.Location, &lead.Location)
	set("source_id", row.Source, &lead.Source)
	set("assigned_to", row.AssignedTo, &lead.AssignedTo)
	set("status", row.Status, &lead.Status)
	if len(fields) > 0 {
		lead.UpdatedAt = now
	}
	return fields
}
