// Package sheetcsv parses loosely-structured spreadsheet CSV exports and maps
// their arbitrary column headers onto the fixed lead schema.
package sheetcsv

import (
	"strings"
)

// Record is one CSV data line keyed by the header row. Headers preserves the
// header-row column order and is shared by every record from the same parse.
type Record struct {
	Headers []string
	Fields  map[string]string
}

func (r Record) Get(header string) string {
	return r.Fields[header]
}

// Parse turns raw delimited text into records keyed by the first line's
// headers. Blank lines are discarded, fields are trimmed, rows shorter than
// the header count yield empty strings for the missing columns, and excess
// trailing fields are dropped.
func Parse(raw string) []Record {
	lines := splitLines(raw)
	if len(lines) < 2 {
		return []Record{}
	}

	headers := splitFields(lines[0])
	records := make([]Record, 0, len(lines)-1)
	for _, line := range lines[1:] {
		values := splitFields(line)
		fields := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(values) {
				fields[header] = values[i]
			} else {
				fields[header] = ""
			}
		}
		records = append(records, Record{Headers: headers, Fields: fields})
	}
	return records
}

func splitLines(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSuffix(part, "\r")
		if strings.TrimSpace(part) == "" {
			continue
		}
		lines = append(lines, part)
	}
	return lines
}

// splitFields splits one line on commas, honoring double-quoted fields. A
// doubled quote inside a quoted field decodes to a literal quote; quoting
// state toggles on every other quote character.
func splitFields(line string) []string {
	fields := make([]string, 0, 8)
	var b strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				b.WriteByte('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case ch == ',' && !inQuotes:
			fields = append(fields, strings.TrimSpace(b.String()))
			b.Reset()
		default:
			b.WriteByte(ch)
		}
	}
	fields = append(fields, strings.TrimSpace(b.String()))
	return fields
}
