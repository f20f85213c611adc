// Package mapping persists identifier mappings and serves them to
// conversions as immutable snapshots.
//
// A mapping file has the shape written by discovery:
//
//	{
//	  "database_mapping": {"exasol": 2, "starrocks": 16},
//	  "table_mapping":    {"mart.transactions": "sr_mart.transactions"},
//	  "column_mapping":   {"10": 110}
//	}
package mapping

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/metadata"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

// DatabaseMapping records which Metabase databases a mapping was built from.
type DatabaseMapping struct {
	Source int `json:"exasol"`
	Target int `json:"starrocks"`
}

// File is the on-disk mapping.
type File struct {
	DatabaseMapping DatabaseMapping `json:"database_mapping"`
	// SourceName, when set, also maps database-qualified source references.
	SourceName    string            `json:"source_name,omitempty"`
	ColumnMapping map[string]int64  `json:"column_mapping"`
	TableMapping  map[string]string `json:"table_mapping"`
}

// UnmarshalJSON tolerates column ids written as strings and skips null ids.
func (f *File) UnmarshalJSON(data []byte) error {
	var raw struct {
		DatabaseMapping DatabaseMapping   `json:"database_mapping"`
		SourceName      string            `json:"source_name"`
		ColumnMapping   map[string]any    `json:"column_mapping"`
		TableMapping    map[string]string `json:"table_mapping"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.DatabaseMapping = raw.DatabaseMapping
	f.SourceName = raw.SourceName
	f.TableMapping = raw.TableMapping
	f.ColumnMapping = make(map[string]int64, len(raw.ColumnMapping))
	for k, v := range raw.ColumnMapping {
		if v == nil {
			continue
		}
		id, err := cast.ToInt64E(v)
		if err != nil {
			return shifterrors.Wrapf(err, shifterrors.ErrCodeMappingParse, "column mapping %s", k).Err()
		}
		f.ColumnMapping[k] = id
	}
	return nil
}

// FromDiscovery converts a discovery result into a mapping file.
func FromDiscovery(res *metadata.Result, opts metadata.DiscoverOptions) *File {
	f := &File{
		DatabaseMapping: DatabaseMapping{Source: opts.SourceDatabase, Target: opts.TargetDatabase},
		SourceName:      opts.SourceName,
		ColumnMapping:   make(map[string]int64, len(res.Columns)),
		TableMapping:    make(map[string]string, len(res.Tables)),
	}
	for k, v := range res.Tables {
		f.TableMapping[k] = v
	}
	for k, v := range res.Columns {
		f.ColumnMapping[strconv.FormatInt(k, 10)] = v
	}
	return f
}

// Load reads a mapping file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMappingLoad, "read mapping file").
			WithField("path", path).
			WithOp("mapping.Load").Err()
	}
	return Parse(data)
}

// Parse decodes a mapping file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		if shifterrors.GetCode(err) == shifterrors.ErrCodeMappingParse {
			return nil, err
		}
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMappingParse, "parse mapping file").Err()
	}
	return &f, nil
}

// Save writes f to path, replacing any existing file in one rename so readers
// and watchers never observe a partial file.
func (f *File) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeInternal, "encode mapping file").Err()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeMappingLoad, "create mapping directory").
			WithField("dir", dir).Err()
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeMappingLoad, "create temp mapping file").
			WithField("dir", dir).Err()
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return shifterrors.Wrap(err, shifterrors.ErrCodeMappingLoad, "write mapping file").Err()
	}
	if err := tmp.Close(); err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeMappingLoad, "close mapping file").Err()
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeMappingLoad, "replace mapping file").
			WithField("path", path).Err()
	}
	return nil
}

// Build validates the file and returns the identifier mapping it describes.
//
// Table keys are "schema.table" (or "database.schema.table"); values are
// "database.table" or a bare table name.
func (f *File) Build() (*rewrite.IdentifierMapping, error) {
	keys := make([]string, 0, len(f.TableMapping))
	for k := range f.TableMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var bad []string
	tables := make([]rewrite.TableMapping, 0, len(keys))
	for _, k := range keys {
		src, ok := parseSource(k)
		tgt, tok := parseTarget(f.TableMapping[k])
		if !ok || !tok {
			bad = append(bad, k)
			continue
		}
		if src.Database == "" {
			src.Database = f.SourceName
		}
		tables = append(tables, rewrite.TableMapping{Source: src, Target: tgt})
	}
	if len(bad) > 0 {
		return nil, shifterrors.Newf(shifterrors.ErrCodeMappingInvalid, "invalid table mapping entries: %s", strings.Join(bad, ", ")).
			WithField("entries", bad).Err()
	}

	columns := make(map[int64]int64, len(f.ColumnMapping))
	for k, v := range f.ColumnMapping {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return nil, shifterrors.Wrapf(err, shifterrors.ErrCodeMappingInvalid, "invalid column id %q", k).Err()
		}
		columns[id] = v
	}
	return rewrite.NewIdentifierMapping(tables, columns), nil
}

func parseSource(key string) (rewrite.TableRef, bool) {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for _, p := range parts {
		if p == "" {
			return rewrite.TableRef{}, false
		}
	}
	switch len(parts) {
	case 2:
		return rewrite.TableRef{Schema: parts[0], Table: parts[1]}, true
	case 3:
		return rewrite.TableRef{Database: parts[0], Schema: parts[1], Table: parts[2]}, true
	}
	return rewrite.TableRef{}, false
}

func parseTarget(value string) (rewrite.TargetTable, bool) {
	value = strings.TrimSpace(value)
	db, table, qualified := strings.Cut(value, ".")
	if !qualified {
		return rewrite.TargetTable{Table: value}, value != ""
	}
	if db == "" || table == "" || strings.Contains(table, ".") {
		return rewrite.TargetTable{}, false
	}
	return rewrite.TargetTable{Database: db, Table: table}, true
}
