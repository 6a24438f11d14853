package sheetcsv

import (
	"strings"
)

// MappedRow is a CSV record translated into canonical lead fields. Columns
// that match no rule are preserved verbatim in Extra under their normalized
// header.
type MappedRow struct {
	ID         string
	Name       string
	Phone      string
	Email      string
	Location   string
	Source     string
	AssignedTo string
	Status     string
	Extra      map[string]string
}

func (m MappedRow) Empty() bool {
	return m.ID == "" && m.Name == "" && m.Phone == "" && m.Email == ""
}

// MapRow classifies each normalized header through an ordered rule set.
// Single-value fields keep the first non-empty match; location accumulates
// every matching column in header order, with any postcode column appended
// once at the end; id is a direct assignment so the last id-like column wins.
func MapRow(rec Record) MappedRow {
	row := MappedRow{Extra: map[string]string{}}
	var locationParts []string
	postcode := ""

	for _, header := range rec.Headers {
		value := rec.Fields[header]
		key := NormalizeHeader(header)
		switch {
		case strings.Contains(key, "name"):
			if row.Name == "" {
				row.Name = value
			}
		case strings.Contains(key, "phone") || strings.Contains(key, "mobile"):
			if row.Phone == "" {
				row.Phone = value
			}
		case strings.Contains(key, "email"):
			if row.Email == "" {
				row.Email = value
			}
		case containsAny(key, "address", "street", "location", "place", "area", "city"):
			if value != "" {
				locationParts = append(locationParts, value)
			}
		case containsAny(key, "post", "pin", "zip", "pincode"):
			if value != "" {
				postcode = value
			}
		case key == "id" || strings.HasSuffix(key, "_id"):
			row.ID = value
		case strings.Contains(key, "source"):
			if row.Source == "" {
				row.Source = value
			}
		case strings.Contains(key, "assigned"):
			if row.AssignedTo == "" {
				row.AssignedTo = value
			}
		case containsAny(key, "stage", "status", "lead_status"):
			if row.Status == "" {
				row.Status = value
			}
		default:
			row.Extra[key] = value
		}
	}

	if postcode != "" {
		locationParts = append(locationParts, postcode)
	}
	row.Location = strings.Join(locationParts, ", ")
	return row
}

// MapRecords maps every parsed record in order.
func MapRecords(records []Record) []MappedRow {
	rows := make([]MappedRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, MapRow(rec))
	}
	return rows
}

func containsAny(key string, tokens ...string) bool {
	for _, token := range tokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}
