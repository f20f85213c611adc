package metadata

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cast"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/log"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

// Exceptions overrides what discovery would derive. TableNames maps a
// lower-cased source "schema.table" to a target table; ColumnIDs maps source
// field ids to target field ids and wins over name matching.
type Exceptions struct {
	TableNames map[string]string `json:"table_name_exceptions"`
	ColumnIDs  map[string]int64  `json:"table_id_exceptions"`
}

// UnmarshalJSON accepts ids written as numbers or strings.
func (e *Exceptions) UnmarshalJSON(data []byte) error {
	var raw struct {
		TableNames map[string]string `json:"table_name_exceptions"`
		ColumnIDs  map[string]any    `json:"table_id_exceptions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.TableNames = make(map[string]string, len(raw.TableNames))
	for k, v := range raw.TableNames {
		e.TableNames[strings.ToLower(k)] = v
	}
	e.ColumnIDs = make(map[string]int64, len(raw.ColumnIDs))
	for k, v := range raw.ColumnIDs {
		id, err := cast.ToInt64E(v)
		if err != nil {
			return shifterrors.Wrapf(err, shifterrors.ErrCodeMetadataParse, "column id exception %s", k).Err()
		}
		e.ColumnIDs[k] = id
	}
	return nil
}

// LoadExceptions reads an exceptions file. A missing file yields empty
// exceptions.
func LoadExceptions(path string) (Exceptions, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Exceptions{}, nil
	}
	if err != nil {
		return Exceptions{}, shifterrors.Wrap(err, shifterrors.ErrCodeMetadataUnavailable, "read exceptions file").
			WithField("path", path).Err()
	}
	var ex Exceptions
	if err := json.Unmarshal(data, &ex); err != nil {
		return Exceptions{}, shifterrors.Wrap(err, shifterrors.ErrCodeMetadataParse, "parse exceptions file").
			WithField("path", path).Err()
	}
	return ex, nil
}

// DiscoverOptions configures Discover.
type DiscoverOptions struct {
	SourceDatabase int
	TargetDatabase int
	// SourceName, when set, also maps database-qualified references
	// (name.schema.table).
	SourceName string
	// TargetName is the target database written into mapped references. When
	// empty, the target table's schema is used.
	TargetName string
	Exceptions Exceptions
	Logger     *log.Logger
}

// Result is the outcome of one discovery run.
type Result struct {
	Mapping *rewrite.IdentifierMapping
	// Tables maps lower-cased source "schema.table" to the target reference.
	Tables map[string]string
	// Columns maps source field ids to target field ids.
	Columns map[int64]int64
	// Unmatched lists source tables with no target counterpart.
	Unmatched []string
}

// Discover pairs the source catalog with the target catalog.
//
// A source table maps to the target named in Exceptions.TableNames if any.
// Otherwise the first target table matches whose name is either
// "<schema>__<table>" or the bare table name, compared case-insensitively.
// Columns of mapped tables pair up by lower-cased name.
func Discover(ctx context.Context, source, target Source, opts DiscoverOptions) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.FromContext(ctx)
	}
	dlog := logger.Discovery().WithFields("source_db", opts.SourceDatabase, "target_db", opts.TargetDatabase)

	srcTables, err := source.Tables(ctx, opts.SourceDatabase)
	if err != nil {
		return nil, err
	}
	dstTables, err := target.Tables(ctx, opts.TargetDatabase)
	if err != nil {
		return nil, err
	}
	dlog.Info("catalogs loaded", "source_tables", len(srcTables), "target_tables", len(dstTables))

	res := &Result{
		Tables:  make(map[string]string),
		Columns: make(map[int64]int64),
	}
	var entries []rewrite.TableMapping

	for _, st := range srcTables {
		full := strings.ToLower(st.Schema + "." + st.Name)

		var dt *Table
		if name, ok := opts.Exceptions.TableNames[full]; ok {
			dt = findByName(dstTables, name)
			if dt == nil {
				// Exception names a table the target catalog lacks; keep the
				// name so the mapping still holds.
				dt = &Table{Name: name}
				dlog.Warn("exception target not in catalog", "source", full, "target", name)
			}
			dlog.Debug("table exception", "source", full, "target", name)
		} else {
			dt = findWithPrefix(dstTables, st.Name, st.Schema)
		}
		if dt == nil {
			res.Unmatched = append(res.Unmatched, full)
			dlog.Warn("no target table", "source", full)
			continue
		}

		tgt := targetFor(*dt, opts.TargetName)
		res.Tables[full] = tgt.String()
		entries = append(entries, rewrite.TableMapping{
			Source: rewrite.TableRef{Database: opts.SourceName, Schema: st.Schema, Table: st.Name},
			Target: tgt,
		})

		n := mapColumns(st, *dt, res.Columns)
		dlog.Debug("table mapped", "source", full, "target", tgt.String(), "columns", n)
	}

	for k, v := range opts.Exceptions.ColumnIDs {
		id, err := cast.ToInt64E(k)
		if err != nil {
			return nil, shifterrors.Wrapf(err, shifterrors.ErrCodeMappingInvalid, "column id exception key %q", k).Err()
		}
		res.Columns[id] = v
	}

	sort.Strings(res.Unmatched)
	res.Mapping = rewrite.NewIdentifierMapping(entries, res.Columns)
	dlog.Info("discovery complete",
		"tables", len(res.Tables),
		"columns", len(res.Columns),
		"unmatched", len(res.Unmatched))
	return res, nil
}

func findByName(tables []Table, name string) *Table {
	for i := range tables {
		if tables[i].Name == name || strings.EqualFold(tables[i].Qualified(), name) {
			return &tables[i]
		}
	}
	return nil
}

func findWithPrefix(tables []Table, name, schema string) *Table {
	for i := range tables {
		tn := tables[i].Name
		if prefix, base, ok := strings.Cut(tn, "__"); ok {
			if strings.EqualFold(base, name) && (schema == "" || strings.EqualFold(prefix, schema)) {
				return &tables[i]
			}
			continue
		}
		if strings.EqualFold(tn, name) {
			return &tables[i]
		}
	}
	return nil
}

func targetFor(t Table, database string) rewrite.TargetTable {
	if database == "" {
		database = t.Schema
	}
	return rewrite.TargetTable{Database: database, Table: t.Name}
}

func mapColumns(src, dst Table, into map[int64]int64) int {
	byName := make(map[string]int64, len(dst.Fields))
	for _, f := range dst.Fields {
		byName[strings.ToLower(f.Name)] = f.ID
	}
	n := 0
	for _, f := range src.Fields {
		if id, ok := byName[strings.ToLower(f.Name)]; ok {
			into[f.ID] = id
			n++
		}
	}
	return n
}
