package batch

import (
	"encoding/json"
	"io"

	"github.com/spf13/cast"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
)

type jobEntry struct {
	ID    any      `json:"id"`
	SQL   string   `json:"sql"`
	Hints []string `json:"hints"`
}

// ReadJobs decodes a JSON array of {"id", "sql", "hints"} objects. Ids may be
// numbers or strings.
func ReadJobs(r io.Reader) ([]Job, error) {
	var entries []jobEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeConfigParse, "decode batch jobs").Err()
	}
	jobs := make([]Job, 0, len(entries))
	for i, e := range entries {
		id, err := cast.ToStringE(e.ID)
		if err != nil || id == "" {
			return nil, shifterrors.Newf(shifterrors.ErrCodeConfigValidation, "batch job %d has no usable id", i).Err()
		}
		jobs = append(jobs, Job{QueryID: id, SQL: e.SQL, Hints: rewrite.NewAliasHints(e.Hints...)})
	}
	return jobs, nil
}

// WriteResults encodes results as a JSON array.
func WriteResults(w io.Writer, results []Result) error {
	type out struct {
		ID             string                    `json:"id"`
		SQL            string                    `json:"sql,omitempty"`
		Report         *rewrite.ConversionReport `json:"report,omitempty"`
		MappingVersion uint64                    `json:"mapping_version,omitempty"`
		Error          string                    `json:"error,omitempty"`
	}
	list := make([]out, len(results))
	for i, r := range results {
		list[i] = out{ID: r.QueryID, SQL: r.Converted, Report: r.Report, MappingVersion: r.MappingVersion}
		if r.Err != nil {
			list[i].Error = r.Err.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}
