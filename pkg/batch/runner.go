// Package batch converts many saved queries concurrently against one
// identifier mapping store.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha1tch/sqlshift/pkg/directive"
	"github.com/ha1tch/sqlshift/pkg/log"
	"github.com/ha1tch/sqlshift/pkg/mapping"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
	"github.com/ha1tch/sqlshift/pkg/store"
)

// Job is one query to convert.
type Job struct {
	QueryID string
	SQL     string
	Hints   rewrite.AliasHints
}

// Result is the outcome of one job.
type Result struct {
	QueryID   string
	Converted string
	Report    *rewrite.ConversionReport
	// MappingVersion is the snapshot the job converted against.
	MappingVersion uint64
	// Saved reports whether a record was written.
	Saved bool
	// Err is set when the job was not converted or its record not saved.
	Err error
}

// Recorder persists conversion records.
type Recorder interface {
	Save(ctx context.Context, rec store.Record) error
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	// Warned counts successful conversions that carry warnings.
	Warned   int
	Saved    int
	Skipped  int
	Duration time.Duration
}

// Runner fans jobs out over a fixed number of workers. Each job reads the
// mapping snapshot current when it starts, so a reload mid-run only affects
// jobs that have not started yet.
type Runner struct {
	pipeline   *rewrite.Pipeline
	mappings   *mapping.Store
	recorder   Recorder
	markUsable bool
	workers    int
	logger     *log.Logger

	totalJobs  int64
	failedJobs int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets the pool size. Default is 4.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRecorder saves every converted query.
func WithRecorder(rec Recorder, markUsable bool) Option {
	return func(r *Runner) {
		r.recorder = rec
		r.markUsable = markUsable
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a runner. mappings may be nil to convert without
// identifier mapping.
func NewRunner(p *rewrite.Pipeline, mappings *mapping.Store, opts ...Option) *Runner {
	r := &Runner{
		pipeline: p,
		mappings: mappings,
		workers:  4,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run converts jobs and returns their results in input order. Cancelling ctx
// stops workers from taking new jobs; unstarted jobs are skipped with the
// context error.
func (r *Runner) Run(ctx context.Context, jobs []Job) ([]Result, Summary) {
	start := time.Now()
	results := make([]Result, len(jobs))
	queue := make(chan int)

	var wg sync.WaitGroup
	workers := r.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				results[idx] = r.convert(ctx, jobs[idx])
			}
		}()
	}

	sent := 0
feed:
	for ; sent < len(jobs); sent++ {
		select {
		case queue <- sent:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	for i := sent; i < len(jobs); i++ {
		results[i] = Result{QueryID: jobs[i].QueryID, Err: ctx.Err()}
	}

	sum := summarize(results)
	sum.Duration = time.Since(start)
	r.logger.Performance().Info("batch complete",
		"total", sum.Total,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"warned", sum.Warned,
		"saved", sum.Saved,
		"skipped", sum.Skipped,
		"duration_ms", sum.Duration.Milliseconds(),
	)
	return results, sum
}

func (r *Runner) convert(ctx context.Context, job Job) Result {
	res := Result{QueryID: job.QueryID}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	atomic.AddInt64(&r.totalJobs, 1)

	var m *rewrite.IdentifierMapping
	if r.mappings != nil {
		snap := r.mappings.Snapshot()
		m = snap.Mapping
		res.MappingVersion = snap.Version
	}

	qlog := r.logger.Conversion().ForQuery(job.QueryID)
	res.Converted, res.Report = directive.Convert(r.pipeline, job.SQL, m, job.Hints)

	switch {
	case !res.Report.Success:
		atomic.AddInt64(&r.failedJobs, 1)
		qlog.Warn("conversion failed", "errors", res.Report.Errors)
	case len(res.Report.Warnings) > 0:
		qlog.Debug("converted with warnings", "warnings", len(res.Report.Warnings))
	default:
		qlog.Debug("converted",
			"tables", res.Report.TablesConverted,
			"functions", res.Report.FunctionsConverted)
	}

	if r.recorder != nil {
		rec := store.Record{
			QueryID:      job.QueryID,
			OriginalSQL:  job.SQL,
			ConvertedSQL: res.Converted,
			Report:       res.Report,
			Usable:       r.markUsable && res.Report.Success,
		}
		if err := r.recorder.Save(ctx, rec); err != nil {
			qlog.Error("failed to save record", err)
			res.Err = err
		} else {
			res.Saved = true
		}
	}
	return res
}

// Stats returns how many jobs this runner has converted and how many of
// those failed, across all runs.
func (r *Runner) Stats() (total, failed int64) {
	return atomic.LoadInt64(&r.totalJobs), atomic.LoadInt64(&r.failedJobs)
}

func summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, res := range results {
		if res.Report == nil {
			s.Skipped++
			continue
		}
		switch {
		case !res.Report.Success:
			s.Failed++
		case len(res.Report.Warnings) > 0:
			s.Succeeded++
			s.Warned++
		default:
			s.Succeeded++
		}
		if res.Saved {
			s.Saved++
		}
	}
	return s
}
