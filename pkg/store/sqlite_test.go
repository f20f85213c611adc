package store

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/log"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func convert(t *testing.T, id, sql string, rules rewrite.RuleSet) Record {
	t.Helper()
	out, report := rewrite.Convert(sql, nil, nil, rules)
	return Record{QueryID: id, OriginalSQL: sql, ConvertedSQL: out, Report: report}
}

func TestSaveGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec := convert(t, "card-42", "SELECT NVL(a, 0) FROM t WHERE d > {{start}}", rewrite.StandardRules(rewrite.DefaultOptions()))
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "card-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConvertedSQL != "SELECT IFNULL(a, 0) FROM t WHERE d > {{start}}" {
		t.Errorf("ConvertedSQL = %s", got.ConvertedSQL)
	}
	if !got.Report.Success || got.Report.FunctionsConverted != 1 {
		t.Errorf("Report = %+v", got.Report)
	}
	if got.Usable {
		t.Error("record usable before MarkUsable")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if _, err := s.Get(ctx, "missing"); !shifterrors.IsCode(err, shifterrors.ErrCodeStorageNotFound) {
		t.Errorf("missing record: %v", err)
	}
}

func TestSave_UpsertKeepsCreatedAt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return first }
	if err := s.Save(ctx, Record{QueryID: "q", OriginalSQL: "SELECT 1", ConvertedSQL: "SELECT 1"}); err != nil {
		t.Fatal(err)
	}

	later := first.Add(time.Hour)
	s.now = func() time.Time { return later }
	existing, err := s.Get(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	existing.ConvertedSQL = "SELECT 2"
	if err := s.Save(ctx, *existing); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if got.ConvertedSQL != "SELECT 2" {
		t.Errorf("ConvertedSQL = %s", got.ConvertedSQL)
	}
	if !got.CreatedAt.Equal(first) || !got.UpdatedAt.Equal(later) {
		t.Errorf("CreatedAt = %v, UpdatedAt = %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestUsableRefusedOnPlaceholderLoss(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	lossy := rewrite.RuleSet{rewrite.Pattern("drop-sentinels", `__[A-Z]*PH[0-9]+__`, "NULL")}
	rec := convert(t, "lossy", "SELECT {{a}} FROM t", lossy)
	if rec.Report.Success {
		t.Fatal("fixture conversion unexpectedly succeeded")
	}

	rec.Usable = true
	if err := s.Save(ctx, rec); !shifterrors.IsCode(err, shifterrors.ErrCodePlaceholderLoss) {
		t.Errorf("Save usable failed record: %v", err)
	}

	rec.Usable = false
	if err := s.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUsable(ctx, "lossy"); !shifterrors.IsCode(err, shifterrors.ErrCodePlaceholderLoss) {
		t.Errorf("MarkUsable: %v", err)
	}

	good := convert(t, "good", "SELECT {{a}} FROM t", nil)
	if err := s.Save(ctx, good); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUsable(ctx, "good"); err != nil {
		t.Fatalf("MarkUsable: %v", err)
	}
	got, _ := s.Get(ctx, "good")
	if !got.Usable {
		t.Error("record not marked usable")
	}

	if err := s.MarkUsable(ctx, "missing"); !shifterrors.IsCode(err, shifterrors.ErrCodeStorageNotFound) {
		t.Errorf("MarkUsable missing: %v", err)
	}
}

func TestUsableChangesAudited(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var buf bytes.Buffer
	s.SetLogger(log.New(log.Config{
		DefaultLevel:   log.LevelOff,
		CategoryLevels: map[log.Category]log.Level{log.CategoryAudit: log.LevelInfo},
		Output:         &buf,
	}))

	plain := convert(t, "plain", "SELECT 1", nil)
	if err := s.Save(ctx, plain); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("unusable save audited: %q", buf.String())
	}

	usable := convert(t, "usable", "SELECT {{a}} FROM t", nil)
	usable.Usable = true
	if err := s.Save(ctx, usable); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUsable(ctx, "plain"); err != nil {
		t.Fatal(err)
	}

	lossy := convert(t, "lossy", "SELECT {{a}} FROM t", rewrite.RuleSet{rewrite.Pattern("drop-sentinels", `__[A-Z]*PH[0-9]+__`, "NULL")})
	lossy.Usable = true
	if err := s.Save(ctx, lossy); err == nil {
		t.Fatal("lossy record saved as usable")
	}

	out := buf.String()
	for _, want := range []string{
		"[audit] record saved as usable query_id=usable",
		"[audit] record marked usable query_id=plain",
		"[audit] usable save refused query_id=lossy",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestListAndStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	lossy := rewrite.RuleSet{rewrite.Pattern("drop-sentinels", `__[A-Z]*PH[0-9]+__`, "NULL")}
	for _, rec := range []Record{
		convert(t, "a", "SELECT 1", nil),
		convert(t, "b", "SELECT {{x}}", lossy),
		convert(t, "c", "SELECT 3", nil),
	} {
		if err := s.Save(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkUsable(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"a", "b", "c"}},
		{"failed", Filter{Failed: true}, []string{"b"}},
		{"usable", Filter{Usable: true}, []string{"c"}},
		{"limit", Filter{Limit: 2}, []string{"a", "b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := s.List(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.QueryID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("got %v, want %v", ids, tc.want)
			}
			for i := range ids {
				if ids[i] != tc.want[i] {
					t.Errorf("got %v, want %v", ids, tc.want)
				}
			}
		})
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != (Stats{Total: 3, Succeeded: 2, Failed: 1, Usable: 1}) {
		t.Errorf("Stats = %+v", st)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if st, _ := s.Stats(ctx); st.Total != 2 {
		t.Errorf("Total after delete = %d", st.Total)
	}
}

func TestOpen_File(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "records.db")

	s, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), Record{QueryID: "q", OriginalSQL: "x", ConvertedSQL: "x"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Get(context.Background(), "q"); err != nil {
		t.Errorf("record not persisted: %v", err)
	}
}

func TestSave_NoQueryID(t *testing.T) {
	s := openStore(t)
	if err := s.Save(context.Background(), Record{}); err == nil {
		t.Error("expected error")
	}
}
