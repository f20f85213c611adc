package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
)

// DefaultDumpPattern names dump files inside a JSONSource directory.
const DefaultDumpPattern = "database_%d.json"

// JSONSource reads Metabase metadata dumps from a directory, one file per
// database.
type JSONSource struct {
	Dir string
	// Pattern is a fmt pattern taking the database id. Defaults to
	// DefaultDumpPattern.
	Pattern string
}

// NewJSONSource returns a source reading dumps from dir.
func NewJSONSource(dir string) *JSONSource {
	return &JSONSource{Dir: dir, Pattern: DefaultDumpPattern}
}

// Path returns the dump file for a database.
func (s *JSONSource) Path(databaseID int) string {
	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultDumpPattern
	}
	return filepath.Join(s.Dir, fmt.Sprintf(pattern, databaseID))
}

// Tables implements Source.
func (s *JSONSource) Tables(ctx context.Context, databaseID int) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(databaseID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shifterrors.Wrapf(err, shifterrors.ErrCodeMetadataUnavailable, "read metadata dump for database %d", databaseID).
			WithField("path", path).
			WithOp("JSONSource.Tables").
			Err()
	}

	var db Database
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, shifterrors.Wrapf(err, shifterrors.ErrCodeMetadataParse, "parse metadata dump for database %d", databaseID).
			WithField("path", path).
			WithOp("JSONSource.Tables").
			Err()
	}
	sortTables(db.Tables)
	return db.Tables, nil
}

// WriteDump stores a catalog in the directory layout JSONSource reads.
func (s *JSONSource) WriteDump(databaseID int, tables []Table) error {
	db := Database{ID: databaseID, Tables: tables}
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeInternal, "encode metadata dump").Err()
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeMetadataUnavailable, "create dump directory").
			WithField("dir", s.Dir).Err()
	}
	if err := os.WriteFile(s.Path(databaseID), data, 0o644); err != nil {
		return shifterrors.Wrap(err, shifterrors.ErrCodeMetadataUnavailable, "write metadata dump").
			WithField("path", s.Path(databaseID)).Err()
	}
	return nil
}

func unavailable(databaseID int, reason string) error {
	return shifterrors.Newf(shifterrors.ErrCodeMetadataUnavailable, "metadata for database %d unavailable: %s", databaseID, reason).
		WithField("database_id", databaseID).
		Err()
}
