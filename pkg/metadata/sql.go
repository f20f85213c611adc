package metadata

import (
	"context"
	"database/sql"
	"hash/fnv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
)

// Driver names accepted by Open.
const (
	DriverSQLite    = "sqlite3"
	DriverPostgres  = "pgx"
	DriverSQLServer = "sqlserver"
)

const sqliteColumnsQuery = `
SELECT m.name, p.name, p.type
FROM sqlite_master m
JOIN pragma_table_info(m.name) p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`

const postgresColumnsQuery = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name, ordinal_position`

const sqlServerColumnsQuery = `
SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA NOT IN ('sys', 'INFORMATION_SCHEMA')
ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION`

// SQLSource reads a catalog straight from a database connection. One
// connection is one database, so the databaseID passed to Tables only seeds
// the synthesized table and field ids.
//
// SQLite has no schemas; its tables are reported under schema "main".
type SQLSource struct {
	db     *sql.DB
	driver string
	// Schemas restricts the catalog to these schemas when non-empty.
	Schemas []string
}

// Open connects to a database with one of the supported drivers.
func Open(driver, dsn string) (*SQLSource, error) {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverSQLServer:
	default:
		return nil, shifterrors.Newf(shifterrors.ErrCodeUnsupportedDriver, "unsupported metadata driver %q", driver).
			WithField("driver", driver).Err()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMetadataUnavailable, "open metadata connection").
			WithField("driver", driver).Err()
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMetadataUnavailable, "ping metadata connection").
			WithField("driver", driver).Err()
	}
	return &SQLSource{db: db, driver: driver}, nil
}

// NewSQLSource wraps an open connection. driver selects the catalog query.
func NewSQLSource(db *sql.DB, driver string) *SQLSource {
	return &SQLSource{db: db, driver: driver}
}

// Close releases the connection.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// Tables implements Source.
func (s *SQLSource) Tables(ctx context.Context, databaseID int) ([]Table, error) {
	query := s.query()
	if query == "" {
		return nil, shifterrors.Newf(shifterrors.ErrCodeUnsupportedDriver, "unsupported metadata driver %q", s.driver).Err()
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMetadataQuery, "query catalog").
			WithField("driver", s.driver).
			WithOp("SQLSource.Tables").Err()
	}
	defer rows.Close()

	var (
		tables []Table
		index  = make(map[string]int)
	)
	for rows.Next() {
		var schema, table, column, typ string
		if s.driver == DriverSQLite {
			schema = "main"
			err = rows.Scan(&table, &column, &typ)
		} else {
			err = rows.Scan(&schema, &table, &column, &typ)
		}
		if err != nil {
			return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMetadataQuery, "scan catalog row").Err()
		}
		if !s.wantSchema(schema) {
			continue
		}

		key := schema + "." + table
		i, ok := index[key]
		if !ok {
			i = len(tables)
			index[key] = i
			tables = append(tables, Table{
				ID:     syntheticID(databaseID, key),
				Schema: schema,
				Name:   table,
			})
		}
		tables[i].Fields = append(tables[i].Fields, Field{
			ID:       syntheticID(databaseID, key+"."+column),
			Name:     column,
			BaseType: typ,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeMetadataQuery, "read catalog").Err()
	}

	sortTables(tables)
	return tables, nil
}

func (s *SQLSource) query() string {
	switch s.driver {
	case DriverSQLite:
		return sqliteColumnsQuery
	case DriverPostgres:
		return postgresColumnsQuery
	case DriverSQLServer:
		return sqlServerColumnsQuery
	}
	return ""
}

func (s *SQLSource) wantSchema(schema string) bool {
	if len(s.Schemas) == 0 {
		return true
	}
	for _, want := range s.Schemas {
		if strings.EqualFold(want, schema) {
			return true
		}
	}
	return false
}

// syntheticID derives a stable positive id for catalogs that carry none.
func syntheticID(databaseID int, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte{byte(databaseID >> 24), byte(databaseID >> 16), byte(databaseID >> 8), byte(databaseID)})
	h.Write([]byte(strings.ToLower(name)))
	return int64(h.Sum64() >> 1)
}
