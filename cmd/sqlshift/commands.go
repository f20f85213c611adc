package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/ha1tch/sqlshift/pkg/batch"
	"github.com/ha1tch/sqlshift/pkg/directive"
	"github.com/ha1tch/sqlshift/pkg/mapping"
	"github.com/ha1tch/sqlshift/pkg/metadata"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
	"github.com/ha1tch/sqlshift/pkg/settings"
	"github.com/ha1tch/sqlshift/pkg/store"
)

// loadMappings publishes the mapping file at path. A missing file leaves an
// empty mapping so queries still get their function rewrites.
func (e *env) loadMappings(path string) (*mapping.Store, error) {
	ms := mapping.NewStore(nil)
	if path == "" {
		return ms, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		e.logger.System().Warn("mapping file not found, tables will not be renamed", "path", path)
		return ms, nil
	}
	snap, err := ms.LoadFile(path)
	if err != nil {
		return nil, err
	}
	tables, columns := snap.Mapping.Len()
	e.logger.System().Info("mapping loaded", "path", path, "tables", tables, "columns", columns, "version", snap.Version)
	return ms, nil
}

func (e *env) fail(err error) int {
	fmt.Fprintf(e.stderr, "error: %v\n", err)
	return 1
}

func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(args[0])
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runConvert(e *env, args []string) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	mappingPath := fs.String("mapping", e.cfg.Mapping.Path, "Mapping file")
	hints := fs.String("hints", "", "Comma-separated result column names to restore in aliases")
	asJSON := fs.Bool("json", false, "Print the converted query and report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	src, err := readInput(e.stdin, fs.Args())
	if err != nil {
		return e.fail(err)
	}
	p, err := e.cfg.Pipeline()
	if err != nil {
		return e.fail(err)
	}
	ms, err := e.loadMappings(*mappingPath)
	if err != nil {
		return e.fail(err)
	}

	var h rewrite.AliasHints
	if *hints != "" {
		h = rewrite.NewAliasHints(strings.Split(*hints, ",")...)
	}
	out, report := directive.Convert(p, string(src), ms.Mapping(), h)

	if *asJSON {
		if err := writeJSON(e.stdout, struct {
			SQL    string                    `json:"sql"`
			Report *rewrite.ConversionReport `json:"report"`
		}{out, report}); err != nil {
			return e.fail(err)
		}
	} else {
		fmt.Fprintln(e.stdout, out)
		for _, w := range report.Warnings {
			fmt.Fprintf(e.stderr, "warning: %s\n", w)
		}
		for _, msg := range report.Errors {
			fmt.Fprintf(e.stderr, "error: %s\n", msg)
		}
	}
	if !report.Success {
		return 1
	}
	return 0
}

// card is a Metabase native-query card as exported by the migration tooling.
type card struct {
	ID                    any                   `json:"id"`
	DashboardID           int                   `json:"dashboard_id"`
	Query                 string                `json:"query"`
	TemplateTags          settings.TemplateTags `json:"template_tags"`
	VisualizationSettings settings.VizSettings  `json:"visualization_settings"`
}

type cardResult struct {
	card
	Report         *rewrite.ConversionReport `json:"report"`
	UnmappedFields []string                  `json:"unmapped_fields,omitempty"`
	UnmappedCols   []string                  `json:"unmapped_columns,omitempty"`
}

func runCard(e *env, args []string) int {
	fs := flag.NewFlagSet("card", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	mappingPath := fs.String("mapping", e.cfg.Mapping.Path, "Mapping file")
	columnsPath := fs.String("columns", e.cfg.ColumnsPath, "Column mapping file")
	strict := fs.Bool("strict", false, "Fail when a template tag references an unmapped field")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := readInput(e.stdin, fs.Args())
	if err != nil {
		return e.fail(err)
	}
	var in card
	if err := json.Unmarshal(data, &in); err != nil {
		return e.fail(fmt.Errorf("decode card: %w", err))
	}

	p, err := e.cfg.Pipeline()
	if err != nil {
		return e.fail(err)
	}
	ms, err := e.loadMappings(*mappingPath)
	if err != nil {
		return e.fail(err)
	}
	columns, err := settings.LoadColumnConfig(*columnsPath)
	if err != nil {
		return e.fail(err)
	}
	dashboards, err := e.cfg.DashboardOptions()
	if err != nil {
		return e.fail(err)
	}

	m := ms.Mapping()
	out := cardResult{card: in}
	out.Query, out.Report = directive.Convert(p, in.Query, m, settings.AliasHints(in.VisualizationSettings))

	policy := settings.KeepUnmapped
	if *strict {
		policy = settings.RefuseUnmapped
	}
	tags, unmapped, err := settings.UpdateTemplateTags(in.TemplateTags, m, policy)
	if err != nil {
		return e.fail(err)
	}
	if opts, ok := dashboards.For(in.DashboardID); ok {
		tags = settings.ConvertGranularity(tags, opts)
	}
	out.TemplateTags = tags
	out.UnmappedFields = unmapped
	for _, u := range unmapped {
		out.Report.Warn("template tag references unmapped field " + u)
	}

	names := columns.ForDashboard(in.DashboardID)
	viz, missing := settings.MapColumnNames(in.VisualizationSettings, names)
	viz = settings.ApplyFormatting(viz, names, columns.Formatting)
	out.VisualizationSettings = settings.ApplyDisplayNames(viz, columns.DisplayNames(in.DashboardID))
	out.UnmappedCols = missing

	e.logger.Conversion().ForQuery(fmt.Sprint(in.ID)).Info("card converted",
		"dashboard", in.DashboardID,
		"success", out.Report.Success,
		"unmapped_fields", len(unmapped),
		"unmapped_columns", len(missing))

	if err := writeJSON(e.stdout, out); err != nil {
		return e.fail(err)
	}
	if !out.Report.Success {
		return 1
	}
	return 0
}

func runDiscover(e *env, args []string) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	dir := fs.String("dir", "", "Metadata dump directory for both catalogs")
	out := fs.String("out", e.cfg.Mapping.Path, "Mapping file to write")
	exceptionsPath := fs.String("exceptions", e.cfg.Metadata.ExceptionsPath, "Exceptions file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	srcCfg, dstCfg := e.cfg.Metadata.Source, e.cfg.Metadata.Target
	if *dir != "" {
		srcCfg.Kind, srcCfg.Dir = "json", *dir
		dstCfg.Kind, dstCfg.Dir = "json", *dir
	}
	source, closeSource, err := srcCfg.Open()
	if err != nil {
		return e.fail(err)
	}
	defer closeSource()
	target, closeTarget, err := dstCfg.Open()
	if err != nil {
		return e.fail(err)
	}
	defer closeTarget()

	ex, err := metadata.LoadExceptions(*exceptionsPath)
	if err != nil {
		return e.fail(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	opts := e.cfg.DiscoverOptions(ex, e.logger)
	res, err := metadata.Discover(ctx, source, target, opts)
	if err != nil {
		return e.fail(err)
	}
	if err := mapping.FromDiscovery(res, opts).Save(*out); err != nil {
		return e.fail(err)
	}

	fmt.Fprintf(e.stdout, "wrote %s: %d tables, %d columns\n", *out, len(res.Tables), len(res.Columns))
	for _, u := range res.Unmatched {
		fmt.Fprintf(e.stdout, "unmatched: %s\n", u)
	}
	return 0
}

func runBatch(e *env, args []string) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	in := fs.String("in", "-", "Jobs file (JSON array), - for stdin")
	outPath := fs.String("out", "", "Results file, stdout when empty")
	mappingPath := fs.String("mapping", e.cfg.Mapping.Path, "Mapping file")
	workers := fs.Int("workers", e.cfg.Batch.Workers, "Concurrent conversions")
	storePath := fs.String("store", e.cfg.Store.Path, "SQLite record store, disabled when empty")
	markUsable := fs.Bool("mark-usable", e.cfg.Batch.MarkUsable, "Mark successful conversions usable in the store")
	watch := fs.Bool("watch", e.cfg.Mapping.Watch, "Reload the mapping file when it changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := readInput(e.stdin, []string{*in})
	if err != nil {
		return e.fail(err)
	}
	jobs, err := batch.ReadJobs(strings.NewReader(string(data)))
	if err != nil {
		return e.fail(err)
	}

	p, err := e.cfg.Pipeline()
	if err != nil {
		return e.fail(err)
	}
	ms, err := e.loadMappings(*mappingPath)
	if err != nil {
		return e.fail(err)
	}

	opts := []batch.Option{batch.WithWorkers(*workers), batch.WithLogger(e.logger)}
	if *storePath != "" {
		e.cfg.Store.Path = *storePath
		storeCfg, _ := e.cfg.StoreConfig()
		st, err := store.Open(storeCfg)
		if err != nil {
			return e.fail(err)
		}
		defer st.Close()
		st.SetLogger(e.logger)
		opts = append(opts, batch.WithRecorder(st, *markUsable))
	}

	if *watch && *mappingPath != "" {
		w, err := mapping.NewWatcher(*mappingPath, ms, e.logger)
		if err != nil {
			return e.fail(err)
		}
		if err := w.Start(); err != nil {
			return e.fail(err)
		}
		defer w.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	results, sum := batch.NewRunner(p, ms, opts...).Run(ctx, jobs)

	var w io.Writer = e.stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return e.fail(err)
		}
		defer f.Close()
		w = f
	}
	if err := batch.WriteResults(w, results); err != nil {
		return e.fail(err)
	}

	fmt.Fprintf(e.stderr, "%d queries: %d succeeded, %d failed, %d with warnings, %d saved, %d skipped (%s)\n",
		sum.Total, sum.Succeeded, sum.Failed, sum.Warned, sum.Saved, sum.Skipped, sum.Duration)
	if sum.Failed > 0 || sum.Skipped > 0 {
		return 1
	}
	return 0
}
