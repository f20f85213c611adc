package errors

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestCode(t *testing.T) {
	tests := []struct {
		code     Code
		str      string
		category string
	}{
		{ErrCodeConfigParse, "E1003", "configuration"},
		{ErrCodeMetadataUnavailable, "E2001", "metadata"},
		{ErrCodeMappingInvalid, "E3003", "mapping"},
		{ErrCodePlaceholderLoss, "E4001", "conversion"},
		{ErrCodeStorageNotFound, "E5004", "storage"},
		{ErrCodeInternal, "E9001", "internal"},
		{Code(7000), "E7000", "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.str, func(t *testing.T) {
			if tc.code.String() != tc.str {
				t.Errorf("String() = %s", tc.code)
			}
			if tc.code.Category() != tc.category {
				t.Errorf("Category() = %s", tc.code.Category())
			}
		})
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, ErrCodeMappingParse, "parse mapping file").
		WithField("path", "m.json").
		WithOp("Mapping.Load").
		Err()

	if got := err.Error(); got != "E3002: parse mapping file: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
	if !Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable")
	}
	if !IsCode(err, ErrCodeMappingParse) || !IsCategory(err, "mapping") {
		t.Errorf("code = %s", GetCode(err))
	}
	if GetFields(err)["path"] != "m.json" {
		t.Errorf("fields = %v", GetFields(err))
	}

	outer := fmt.Errorf("load: %w", err)
	if GetCode(outer) != ErrCodeMappingParse {
		t.Error("code lost through fmt wrapping")
	}
	var e *Error
	if !As(outer, &e) || e.OpName != "Mapping.Load" {
		t.Errorf("As = %+v", e)
	}
}

func TestPlainErrors(t *testing.T) {
	plain := context.Canceled
	if GetCode(plain) != ErrCodeInternal {
		t.Errorf("GetCode = %s", GetCode(plain))
	}
	if GetSeverity(plain) != SeverityError {
		t.Errorf("GetSeverity = %s", GetSeverity(plain))
	}
	if GetFields(plain) != nil || IsCode(nil, ErrCodeInternal) {
		t.Error("plain error treated as structured")
	}
}

func TestHelpers(t *testing.T) {
	err := PlaceholderLoss("42", []string{"start", "end"}).Err()
	if !IsCode(err, ErrCodePlaceholderLoss) || GetSeverity(err) != SeverityCritical {
		t.Errorf("PlaceholderLoss = %v (%s)", err, GetSeverity(err))
	}
	if !strings.Contains(err.Error(), "start, end") {
		t.Errorf("message = %s", err)
	}

	err = UnmappedField([]string{"region (field-id: 9)"}).Err()
	if !IsCode(err, ErrCodeUnmappedField) {
		t.Errorf("UnmappedField code = %s", GetCode(err))
	}

	err = NotFound("record", "7").Err()
	if !IsCode(err, ErrCodeStorageNotFound) || GetFields(err)["identifier"] != "7" {
		t.Errorf("NotFound = %v", err)
	}

	err = InvalidConfig("batch.workers", "must be at least 1").Err()
	if err.Error() != "E1004: invalid batch.workers: must be at least 1" {
		t.Errorf("InvalidConfig = %v", err)
	}

	e := Internal("boom").Build()
	if e.Severity != SeverityCritical || len(e.Stack) == 0 {
		t.Errorf("Internal = %+v", e)
	}
}

func TestFormat(t *testing.T) {
	err := New(ErrCodeStorageExec, "save record").
		WithField("query_id", "7").
		WithOp("Store.Save").
		Err()

	if got := fmt.Sprintf("%v", err); got != "E5003: save record" {
		t.Errorf("%%v = %q", got)
	}
	detailed := fmt.Sprintf("%+v", err)
	for _, want := range []string{"[error] E5003: save record", "Operation: Store.Save", "query_id: 7"} {
		if !strings.Contains(detailed, want) {
			t.Errorf("%%+v missing %q:\n%s", want, detailed)
		}
	}
}
