package metadata

import (
	"context"
	"database/sql"
	"testing"
)

func openTestCatalog(t *testing.T) *SQLSource {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE users (user_id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE mart__transactions (id INTEGER, amount REAL, user_id INTEGER)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	return NewSQLSource(db, DriverSQLite)
}

func TestSQLSource_SQLite(t *testing.T) {
	src := openTestCatalog(t)

	tables, err := src.Tables(context.Background(), 16)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("got %d tables: %+v", len(tables), tables)
	}

	tx := tables[0]
	if tx.Schema != "main" || tx.Name != "mart__transactions" {
		t.Errorf("first table = %s", tx.Qualified())
	}
	names := make([]string, len(tx.Fields))
	for i, f := range tx.Fields {
		names[i] = f.Name
	}
	if len(names) != 3 || names[0] != "id" || names[1] != "amount" || names[2] != "user_id" {
		t.Errorf("fields = %v", names)
	}
	if tx.Fields[1].BaseType != "REAL" {
		t.Errorf("amount type = %s", tx.Fields[1].BaseType)
	}

	again, err := src.Tables(context.Background(), 16)
	if err != nil {
		t.Fatal(err)
	}
	if again[0].Fields[0].ID != tx.Fields[0].ID {
		t.Error("synthesized ids are not stable")
	}
	if tx.Fields[0].ID == tables[1].Fields[0].ID {
		t.Error("distinct columns share an id")
	}
}

func TestSQLSource_SchemaFilter(t *testing.T) {
	src := openTestCatalog(t)
	src.Schemas = []string{"other"}

	tables, err := src.Tables(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 0 {
		t.Errorf("filter ignored: %+v", tables)
	}
}

func TestSQLSource_DiscoverAgainstLiveCatalog(t *testing.T) {
	src := StaticSource{2: {
		{Schema: "MART", Name: "TRANSACTIONS", Fields: []Field{{ID: 1, Name: "AMOUNT"}}},
	}}
	dst := openTestCatalog(t)

	res, err := Discover(context.Background(), src, dst, DiscoverOptions{SourceDatabase: 2, TargetDatabase: 16, TargetName: "sr"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Tables["mart.transactions"] != "sr.mart__transactions" {
		t.Errorf("Tables = %v", res.Tables)
	}
	if _, ok := res.Columns[1]; !ok {
		t.Errorf("Columns = %v", res.Columns)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpen_SQLite(t *testing.T) {
	src, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	tables, err := src.Tables(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 0 {
		t.Errorf("empty database reported %d tables", len(tables))
	}
}
