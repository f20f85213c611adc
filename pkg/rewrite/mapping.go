package rewrite

import (
	"sort"
	"strings"
	"sync"
)

// TableRef names a table in the source warehouse.
type TableRef struct {
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
}

// Qualified returns schema.table, or database.schema.table when the database
// is known.
func (r TableRef) Qualified() string {
	if r.Database == "" {
		return r.Schema + "." + r.Table
	}
	return r.Database + "." + r.Schema + "." + r.Table
}

func (r TableRef) key() string {
	return strings.ToLower(r.Schema + "." + r.Table)
}

// TargetTable names a table in the target warehouse. StarRocks has no schema
// level, so the target database stands in for it.
type TargetTable struct {
	Database string `json:"database"`
	Table    string `json:"table"`
}

func (t TargetTable) String() string {
	if t.Database == "" {
		return t.Table
	}
	return t.Database + "." + t.Table
}

// TableMapping pairs one source table with its target.
type TableMapping struct {
	Source TableRef    `json:"source"`
	Target TargetTable `json:"target"`
}

// IdentifierMapping is the read-only lookup the engine uses for table and
// column identifiers. Build it with NewIdentifierMapping and never modify it;
// publish a new value instead. A nil *IdentifierMapping maps nothing.
type IdentifierMapping struct {
	tables  []TableMapping
	byKey   map[string]int
	schemas map[string]struct{}
	targets map[string]struct{}
	columns map[int64]int64

	once     sync.Once
	compiled *compiledMapping
}

// NewIdentifierMapping builds a mapping from table entries and column-id
// pairs. Keys are case-folded; for duplicate sources the last entry wins.
func NewIdentifierMapping(tables []TableMapping, columns map[int64]int64) *IdentifierMapping {
	m := &IdentifierMapping{
		byKey:   make(map[string]int, len(tables)),
		schemas: make(map[string]struct{}),
		targets: make(map[string]struct{}),
		columns: make(map[int64]int64, len(columns)),
	}
	for _, tm := range tables {
		if tm.Source.Schema == "" || tm.Source.Table == "" || tm.Target.Table == "" {
			continue
		}
		k := tm.Source.key()
		if i, ok := m.byKey[k]; ok {
			m.tables[i] = tm
			continue
		}
		m.byKey[k] = len(m.tables)
		m.tables = append(m.tables, tm)
	}
	for _, tm := range m.tables {
		m.schemas[strings.ToLower(tm.Source.Schema)] = struct{}{}
		m.targets[strings.ToLower(tm.Target.String())] = struct{}{}
	}
	for src, dst := range columns {
		m.columns[src] = dst
	}
	return m
}

// Tables returns a copy of the table entries sorted by qualified source name.
func (m *IdentifierMapping) Tables() []TableMapping {
	if m == nil {
		return nil
	}
	out := append([]TableMapping(nil), m.tables...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Source.key() < out[j].Source.key()
	})
	return out
}

// Columns returns a copy of the column-id pairs.
func (m *IdentifierMapping) Columns() map[int64]int64 {
	if m == nil {
		return nil
	}
	out := make(map[int64]int64, len(m.columns))
	for k, v := range m.columns {
		out[k] = v
	}
	return out
}

// LookupTable resolves a schema.table reference, ignoring case.
func (m *IdentifierMapping) LookupTable(schema, table string) (TargetTable, bool) {
	if m == nil {
		return TargetTable{}, false
	}
	i, ok := m.byKey[strings.ToLower(schema+"."+table)]
	if !ok {
		return TargetTable{}, false
	}
	return m.tables[i].Target, true
}

// Len reports the number of table and column entries.
func (m *IdentifierMapping) Len() (tables, columns int) {
	if m == nil {
		return 0, 0
	}
	return len(m.tables), len(m.columns)
}

func (m *IdentifierMapping) knownSchema(schema string) bool {
	_, ok := m.schemas[strings.ToLower(schema)]
	return ok
}

func (m *IdentifierMapping) isTarget(qualified string) bool {
	_, ok := m.targets[strings.ToLower(qualified)]
	return ok
}

// MapColumnID resolves a source field id. Unknown ids return (0, false); what
// to do about them is the caller's policy.
func MapColumnID(id int64, m *IdentifierMapping) (int64, bool) {
	if m == nil {
		return 0, false
	}
	dst, ok := m.columns[id]
	return dst, ok
}
