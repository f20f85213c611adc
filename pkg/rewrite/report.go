package rewrite

import (
	"encoding/json"
	"fmt"
)

// FindingKind classifies a diagnostic raised during conversion.
type FindingKind int

const (
	// UnmappedIdentifier: a schema-qualified reference in a known source
	// schema has no mapping entry.
	UnmappedIdentifier FindingKind = iota + 1
	// PlaceholderLoss: the placeholder names of the output differ from the
	// input. The only kind that fails a conversion.
	PlaceholderLoss
	// UnsupportedIdiom: a construct the target may not support was kept as is.
	UnsupportedIdiom
	// MalformedPlaceholder: stray {{ or }} in the input.
	MalformedPlaceholder
	// ResidualIdiom: a source-only token survived translation.
	ResidualIdiom
	// SyntaxRisk: the target grammar checker rejected the output.
	SyntaxRisk
	// RuleError: a custom rule failed to evaluate and left its match alone.
	RuleError
)

var findingKindNames = map[FindingKind]string{
	UnmappedIdentifier:   "unmapped_identifier",
	PlaceholderLoss:      "placeholder_loss",
	UnsupportedIdiom:     "unsupported_idiom",
	MalformedPlaceholder: "malformed_placeholder",
	ResidualIdiom:        "residual_idiom",
	SyntaxRisk:           "syntax_risk",
	RuleError:            "rule_error",
}

func (k FindingKind) String() string {
	if s, ok := findingKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FindingKind(%d)", int(k))
}

// MarshalJSON encodes the kind by name.
func (k FindingKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name.
func (k *FindingKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range findingKindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown finding kind %q", s)
}

// Finding is one typed diagnostic.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Rule    string      `json:"rule,omitempty"`
	Subject string      `json:"subject,omitempty"`
	Message string      `json:"message"`
}

// Fatal reports whether the finding fails the conversion.
func (f Finding) Fatal() bool {
	return f.Kind == PlaceholderLoss
}

// ConversionReport summarizes one conversion. JSON field names match the
// reports the migration tooling has always written.
type ConversionReport struct {
	Success                bool      `json:"success"`
	Warnings               []string  `json:"warnings"`
	Errors                 []string  `json:"errors"`
	VariablesPreserved     bool      `json:"variables_preserved"`
	TablesConverted        int       `json:"tables_converted"`
	FunctionsConverted     int       `json:"functions_converted"`
	AliasesNormalized      int       `json:"aliases_normalized"`
	IntroducedPlaceholders []string  `json:"introduced_placeholders,omitempty"`
	Findings               []Finding `json:"findings,omitempty"`
}

// NewReport returns an empty successful report.
func NewReport() *ConversionReport {
	return &ConversionReport{
		Success:            true,
		VariablesPreserved: true,
		Warnings:           []string{},
		Errors:             []string{},
	}
}

// Add records a finding. Duplicates (same kind and message) are dropped.
// Fatal findings go to Errors and clear Success; the rest go to Warnings.
func (r *ConversionReport) Add(f Finding) {
	for _, existing := range r.Findings {
		if existing.Kind == f.Kind && existing.Message == f.Message {
			return
		}
	}
	r.Findings = append(r.Findings, f)
	if f.Fatal() {
		r.Errors = append(r.Errors, f.Message)
		r.Success = false
		return
	}
	r.Warnings = append(r.Warnings, f.Message)
}

// Warn records a plain warning with no finding attached.
func (r *ConversionReport) Warn(msg string) {
	for _, w := range r.Warnings {
		if w == msg {
			return
		}
	}
	r.Warnings = append(r.Warnings, msg)
}

// Has reports whether a finding of the given kind was recorded.
func (r *ConversionReport) Has(kind FindingKind) bool {
	for _, f := range r.Findings {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Count returns the number of findings of the given kind.
func (r *ConversionReport) Count(kind FindingKind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}
