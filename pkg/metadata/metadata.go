// Package metadata reads table and column catalogs for the source and target
// warehouses and derives the identifier mapping the rewrite engine uses.
//
// Catalogs come from Metabase metadata dumps (JSONSource) or straight from a
// database's information schema (SQLSource). Discover pairs the two.
package metadata

import (
	"context"
	"sort"
	"strings"
)

// Field is one column as Metabase knows it.
type Field struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	BaseType string `json:"base_type,omitempty"`
}

// Table is one table and its columns.
type Table struct {
	ID     int64   `json:"id"`
	Schema string  `json:"schema"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Qualified returns schema.name.
func (t Table) Qualified() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Database is the shape of Metabase's /api/database/:id/metadata response,
// reduced to what discovery needs.
type Database struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Engine string  `json:"engine"`
	Tables []Table `json:"tables"`
}

// Source lists the tables of one database.
type Source interface {
	Tables(ctx context.Context, databaseID int) ([]Table, error)
}

// StaticSource serves catalogs held in memory, keyed by database id.
type StaticSource map[int][]Table

// Tables implements Source.
func (s StaticSource) Tables(ctx context.Context, databaseID int) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tables, ok := s[databaseID]
	if !ok {
		return nil, unavailable(databaseID, "no catalog loaded")
	}
	return tables, nil
}

func sortTables(tables []Table) {
	sort.Slice(tables, func(i, j int) bool {
		a, b := strings.ToLower(tables[i].Qualified()), strings.ToLower(tables[j].Qualified())
		return a < b
	})
}
