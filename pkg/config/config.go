// Package config loads sqlshift configuration files.
//
// Files are YAML; JSON files load too. Absent keys keep their defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	shifterrors "github.com/ha1tch/sqlshift/pkg/errors"
	"github.com/ha1tch/sqlshift/pkg/log"
	"github.com/ha1tch/sqlshift/pkg/metadata"
	"github.com/ha1tch/sqlshift/pkg/rewrite"
	"github.com/ha1tch/sqlshift/pkg/settings"
	"github.com/ha1tch/sqlshift/pkg/store"
	"github.com/ha1tch/sqlshift/pkg/syntax"
)

// Config is the full configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" json:"log"`
	Rewrite  RewriteConfig  `yaml:"rewrite" json:"rewrite"`
	Metadata MetadataConfig `yaml:"metadata" json:"metadata"`
	Mapping  MappingConfig  `yaml:"mapping" json:"mapping"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Batch    BatchConfig    `yaml:"batch" json:"batch"`

	// ColumnsPath is the column mapping file used for visualization settings.
	ColumnsPath string `yaml:"columns" json:"columns"`

	// Dashboards holds per-dashboard options keyed by dashboard id.
	Dashboards map[string]settings.DashboardOptions `yaml:"dashboards" json:"dashboards"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level      string            `yaml:"level" json:"level"`
	Format     string            `yaml:"format" json:"format"`
	Categories map[string]string `yaml:"categories" json:"categories"`
	Caller     bool              `yaml:"caller" json:"caller"`
	// AsyncBuffer queues up to this many entries for a background writer.
	// Entries beyond it are dropped. 0 writes synchronously.
	AsyncBuffer int `yaml:"async_buffer" json:"async_buffer"`
	// AuditFile, when set, receives audit entries instead of the main output.
	AuditFile string `yaml:"audit_file" json:"audit_file"`
}

// RewriteConfig configures the rule set and pipeline.
type RewriteConfig struct {
	LimitStyle string `yaml:"limit_style" json:"limit_style"`
	MedianForm string `yaml:"median_form" json:"median_form"`
	// PercentileFraction may be written as a number or a string.
	PercentileFraction  any                      `yaml:"percentile_fraction" json:"percentile_fraction"`
	ReservedRenames     map[string]string        `yaml:"reserved_renames" json:"reserved_renames"`
	FieldParameters     []rewrite.FieldParameter `yaml:"field_parameters" json:"field_parameters"`
	SubqueryAliasPrefix string                   `yaml:"subquery_alias_prefix" json:"subquery_alias_prefix"`
	PrimaryAlias        string                   `yaml:"primary_alias" json:"primary_alias"`
	ResidualTokens      []string                 `yaml:"residual_tokens" json:"residual_tokens"`
	CustomRules         []rewrite.CustomRuleSpec `yaml:"custom_rules" json:"custom_rules"`
	// SyntaxCheck runs converted queries through the target grammar.
	SyntaxCheck bool `yaml:"syntax_check" json:"syntax_check"`
}

// EndpointConfig names one metadata catalog.
type EndpointConfig struct {
	// Kind is "json" (Metabase metadata dumps) or "sql" (live catalog).
	Kind       string   `yaml:"kind" json:"kind"`
	Dir        string   `yaml:"dir" json:"dir"`
	Driver     string   `yaml:"driver" json:"driver"`
	DSN        string   `yaml:"dsn" json:"dsn"`
	DatabaseID int      `yaml:"database_id" json:"database_id"`
	Name       string   `yaml:"name" json:"name"`
	Schemas    []string `yaml:"schemas" json:"schemas"`
}

// MetadataConfig configures discovery.
type MetadataConfig struct {
	Source         EndpointConfig `yaml:"source" json:"source"`
	Target         EndpointConfig `yaml:"target" json:"target"`
	ExceptionsPath string         `yaml:"exceptions" json:"exceptions"`
}

// MappingConfig locates the mapping file.
type MappingConfig struct {
	Path  string `yaml:"path" json:"path"`
	Watch bool   `yaml:"watch" json:"watch"`
}

// StoreConfig configures the record store. An empty path disables it.
type StoreConfig struct {
	Path        string `yaml:"path" json:"path"`
	JournalMode string `yaml:"journal_mode" json:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	Workers    int  `yaml:"workers" json:"workers"`
	MarkUsable bool `yaml:"mark_usable" json:"mark_usable"`
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := rewrite.DefaultOptions()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Rewrite: RewriteConfig{
			LimitStyle:         opts.LimitStyle.String(),
			MedianForm:         opts.Median.String(),
			PercentileFraction: opts.PercentileFraction.String(),
			ReservedRenames:    map[string]string{"grouping": "grouped"},
			FieldParameters: []rewrite.FieldParameter{
				{Field: "granularity", Tag: "granularity", Functions: []string{"date_trunc"}},
			},
			SubqueryAliasPrefix: opts.SubqueryAliasPrefix,
			PrimaryAlias:        opts.PrimaryAlias,
		},
		Metadata: MetadataConfig{
			Source:         EndpointConfig{Kind: "json", Dir: "metadata", DatabaseID: 2},
			Target:         EndpointConfig{Kind: "json", Dir: "metadata", DatabaseID: 16},
			ExceptionsPath: "migration_exceptions.json",
		},
		Mapping:     MappingConfig{Path: "migrations/migration_mapping.json"},
		Batch:       BatchConfig{Workers: 4},
		ColumnsPath: "column_mapping_config.json",
	}
}

// Load reads a configuration file over the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeConfigMissing, "open config file").
			WithField("path", path).Err()
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes a configuration over the defaults and validates it.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, shifterrors.Wrap(err, shifterrors.ErrCodeConfigParse, "parse config").Err()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that decoding cannot.
func (c *Config) Validate() error {
	if _, err := c.Rewrite.Options(); err != nil {
		return err
	}
	for _, spec := range c.Rewrite.CustomRules {
		if _, err := rewrite.CompileCustomRule(spec); err != nil {
			return err
		}
	}
	if _, err := c.LogConfig(); err != nil {
		return err
	}
	for _, ep := range []struct {
		name string
		cfg  EndpointConfig
	}{{"metadata.source", c.Metadata.Source}, {"metadata.target", c.Metadata.Target}} {
		switch ep.cfg.Kind {
		case "json", "sql":
		default:
			return shifterrors.InvalidConfig(ep.name+".kind", fmt.Sprintf("unknown kind %q", ep.cfg.Kind)).Err()
		}
	}
	if c.Batch.Workers < 1 {
		return shifterrors.InvalidConfig("batch.workers", "must be at least 1").Err()
	}
	if _, err := c.DashboardOptions(); err != nil {
		return err
	}
	return nil
}

// Options converts the rewrite section into engine options.
func (r RewriteConfig) Options() (rewrite.Options, error) {
	opts := rewrite.DefaultOptions()

	var err error
	if opts.LimitStyle, err = rewrite.ParseLimitStyle(r.LimitStyle); err != nil {
		return opts, shifterrors.InvalidConfig("rewrite.limit_style", err.Error()).Err()
	}
	if opts.Median, err = rewrite.ParseMedianForm(r.MedianForm); err != nil {
		return opts, shifterrors.InvalidConfig("rewrite.median_form", err.Error()).Err()
	}
	if r.PercentileFraction != nil {
		s, err := cast.ToStringE(r.PercentileFraction)
		if err != nil {
			return opts, shifterrors.InvalidConfig("rewrite.percentile_fraction", err.Error()).Err()
		}
		frac, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil || frac.LessThanOrEqual(decimal.Zero) || frac.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return opts, shifterrors.InvalidConfig("rewrite.percentile_fraction", fmt.Sprintf("%q is not between 0 and 1", s)).Err()
		}
		opts.PercentileFraction = frac
	}
	if r.ReservedRenames != nil {
		opts.ReservedRenames = r.ReservedRenames
	}
	for i, fp := range r.FieldParameters {
		if fp.Field == "" || fp.Tag == "" {
			return opts, shifterrors.InvalidConfig(fmt.Sprintf("rewrite.field_parameters[%d]", i), "field and tag are required").Err()
		}
	}
	opts.FieldParameters = r.FieldParameters
	if r.SubqueryAliasPrefix != "" {
		opts.SubqueryAliasPrefix = r.SubqueryAliasPrefix
	}
	if r.PrimaryAlias != "" {
		opts.PrimaryAlias = r.PrimaryAlias
	}
	if r.ResidualTokens != nil {
		opts.ResidualTokens = r.ResidualTokens
	}
	return opts, nil
}

// Pipeline builds the conversion pipeline the configuration describes.
func (c *Config) Pipeline() (*rewrite.Pipeline, error) {
	opts, err := c.Rewrite.Options()
	if err != nil {
		return nil, err
	}
	rules, err := rewrite.WithCustomRules(rewrite.StandardRules(opts), c.Rewrite.CustomRules)
	if err != nil {
		return nil, err
	}
	var checker rewrite.SyntaxChecker
	if c.Rewrite.SyntaxCheck {
		checker = syntax.NewMySQLChecker()
	}
	return rewrite.NewPipeline(rules, rewrite.NewValidator(opts.ResidualTokens, checker), opts.PrimaryAlias), nil
}

// LogConfig converts the log section into a logger configuration.
func (c *Config) LogConfig() (log.Config, error) {
	out := log.DefaultConfig()
	var err error
	if out.DefaultLevel, err = log.ParseLevel(c.Log.Level); err != nil {
		return out, shifterrors.InvalidConfig("log.level", err.Error()).Err()
	}
	if out.Format, err = log.ParseFormat(c.Log.Format); err != nil {
		return out, shifterrors.InvalidConfig("log.format", err.Error()).Err()
	}
	out.IncludeCaller = c.Log.Caller
	if c.Log.AsyncBuffer < 0 {
		return out, shifterrors.InvalidConfig("log.async_buffer", "must not be negative").Err()
	}
	out.AsyncBuffer = c.Log.AsyncBuffer
	if len(c.Log.Categories) > 0 {
		out.CategoryLevels = make(map[log.Category]log.Level, len(c.Log.Categories))
		for name, lvl := range c.Log.Categories {
			cat, err := log.ParseCategory(name)
			if err != nil {
				return out, shifterrors.InvalidConfig("log.categories", err.Error()).Err()
			}
			level, err := log.ParseLevel(lvl)
			if err != nil {
				return out, shifterrors.InvalidConfig("log.categories."+name, err.Error()).Err()
			}
			out.CategoryLevels[cat] = level
		}
	}
	return out, nil
}

// StoreConfig returns the record store settings, or false when the store is
// disabled.
func (c *Config) StoreConfig() (store.Config, bool) {
	if c.Store.Path == "" {
		return store.Config{}, false
	}
	out := store.DefaultConfig()
	out.Path = c.Store.Path
	if c.Store.JournalMode != "" {
		out.JournalMode = c.Store.JournalMode
	}
	if c.Store.BusyTimeout > 0 {
		out.BusyTimeout = c.Store.BusyTimeout
	}
	return out, true
}

// DashboardOptions returns per-dashboard options keyed by numeric id.
func (c *Config) DashboardOptions() (settings.Dashboards, error) {
	out := make(settings.Dashboards, len(c.Dashboards))
	keys := make([]string, 0, len(c.Dashboards))
	for k := range c.Dashboards {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		id, err := cast.ToIntE(strings.TrimSpace(k))
		if err != nil {
			return nil, shifterrors.InvalidConfig("dashboards."+k, "dashboard keys must be numeric ids").Err()
		}
		out[id] = c.Dashboards[k]
	}
	return out, nil
}

// Open returns the metadata source an endpoint describes and a function
// releasing it.
func (e EndpointConfig) Open() (metadata.Source, func() error, error) {
	switch e.Kind {
	case "json":
		return metadata.NewJSONSource(e.Dir), func() error { return nil }, nil
	case "sql":
		src, err := metadata.Open(e.Driver, e.DSN)
		if err != nil {
			return nil, nil, err
		}
		src.Schemas = e.Schemas
		return src, src.Close, nil
	}
	return nil, nil, shifterrors.InvalidConfig("metadata.kind", fmt.Sprintf("unknown kind %q", e.Kind)).Err()
}

// DiscoverOptions returns the discovery options for the metadata section.
func (c *Config) DiscoverOptions(ex metadata.Exceptions, logger *log.Logger) metadata.DiscoverOptions {
	return metadata.DiscoverOptions{
		SourceDatabase: c.Metadata.Source.DatabaseID,
		TargetDatabase: c.Metadata.Target.DatabaseID,
		SourceName:     c.Metadata.Source.Name,
		TargetName:     c.Metadata.Target.Name,
		Exceptions:     ex,
		Logger:         logger,
	}
}
