package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Schema is a snapshot of the tables and columns visible on the search path.
// It is resolved once at startup so feature decisions never query
// information_schema on the request path.
type Schema struct {
	columns map[string]map[string]bool
}

// NewSchema builds a Schema from a table -> columns listing.
func NewSchema(tables map[string][]string) *Schema {
	s := &Schema{columns: make(map[string]map[string]bool, len(tables))}
	for table, cols := range tables {
		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[strings.ToLower(c)] = true
		}
		s.columns[strings.ToLower(table)] = set
	}
	return s
}

// InspectSchema reads column metadata for every table on the current search path.
func InspectSchema(ctx context.Context, q Querier) (*Schema, error) {
	rows, err := q.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = ANY (current_schemas(false))`)
	if err != nil {
		return nil, fmt.Errorf("query information_schema: %w", err)
	}
	defer rows.Close()

	tables := make(map[string][]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan column metadata: %w", err)
		}
		tables[table] = append(tables[table], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column metadata: %w", err)
	}
	return NewSchema(tables), nil
}

func (s *Schema) HasTable(table string) bool {
	if s == nil {
		return false
	}
	_, ok := s.columns[strings.ToLower(table)]
	return ok
}

func (s *Schema) HasColumn(table, column string) bool {
	if s == nil {
		return false
	}
	return s.columns[strings.ToLower(table)][strings.ToLower(column)]
}

// Tables returns the known table names in sorted order.
func (s *Schema) Tables() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.columns))
	for t := range s.columns {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
