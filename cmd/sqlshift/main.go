package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ha1tch/sqlshift/pkg/config"
	"github.com/ha1tch/sqlshift/pkg/log"
	"github.com/ha1tch/sqlshift/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type command func(e *env, args []string) int

var commands = map[string]command{
	"convert":  runConvert,
	"card":     runCard,
	"discover": runDiscover,
	"batch":    runBatch,
}

// env carries what every subcommand needs.
type env struct {
	cfg    *config.Config
	logger *log.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sqlshift", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configFile  = fs.String("c", "", "Configuration file path")
		configFileL = fs.String("config", "", "Configuration file path")
		logLevel    = fs.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = fs.String("log-format", "", "Log format (text, json)")
		trace       = fs.String("trace", "", "Comma-separated log categories to log at debug level")

		showHelp     = fs.Bool("h", false, "Show help")
		showHelpL    = fs.Bool("help", false, "Show help")
		showVersion  = fs.Bool("v", false, "Show version")
		showVersionL = fs.Bool("version", false, "Show version")
	)
	fs.Usage = func() {
		printUsage(stderr)
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *configFileL != "" {
		*configFile = *configFileL
	}
	if *showHelpL {
		*showHelp = true
	}
	if *showVersionL {
		*showVersion = true
	}

	if *showHelp {
		printUsage(stdout)
		return 0
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}
	name, rest := rest[0], rest[1:]
	if name == "version" {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		printUsage(stderr)
		return 2
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(stderr, "error loading config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	logCfg, err := cfg.LogConfig()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	logCfg.Output = stderr
	logger := log.New(logCfg)
	var auditFile *os.File
	defer func() {
		logger.Close()
		if auditFile != nil {
			auditFile.Close()
		}
		if _, dropped := logger.Stats(); dropped > 0 {
			fmt.Fprintf(stderr, "warning: %d log entries dropped\n", dropped)
		}
	}()

	if *trace != "" {
		for _, name := range strings.Split(*trace, ",") {
			cat, err := log.ParseCategory(name)
			if err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				return 2
			}
			logger.SetLevel(cat, log.LevelDebug)
		}
	}
	if cfg.Log.AuditFile != "" {
		auditFile, err = os.OpenFile(cfg.Log.AuditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "error opening audit log: %v\n", err)
			return 1
		}
		logger.SetOutput(log.CategoryAudit, auditFile)
	}
	log.SetDefault(logger)

	logger.System().Debug("starting", "command", name, "version", version.Version, "config", *configFile)

	return cmd(&env{cfg: cfg, logger: logger, stdin: stdin, stdout: stdout, stderr: stderr}, rest)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sqlshift - rewrite Exasol queries for StarRocks, keeping Metabase {{variables}} intact

Usage:
  sqlshift [options] <command> [command options]

Commands:
  convert     Convert one query (file argument or stdin)
  card        Convert a card: query, template tags and visualization settings
  discover    Build the identifier mapping from metadata catalogs
  batch       Convert many queries concurrently
  version     Show version

Options:
  -c, --config <file>      Configuration file (YAML or JSON)
  --log-level <level>      Log level: debug, info, warn, error
  --log-format <format>    Log format: text, json
  --trace <categories>     Log these categories at debug level: system,
                           conversion, discovery, audit, performance
  -h, --help               Show help
  -v, --version            Show version

Examples:
  # Convert a query using the mapping file from the config
  sqlshift -c sqlshift.yaml convert query.sql

  # Print the report as JSON
  echo 'SELECT NVL(a, 0) FROM mart.t' | sqlshift convert --json

  # Build migrations/migration_mapping.json from metadata dumps
  sqlshift discover --dir ./metadata

  # Convert a list of queries, storing records in SQLite
  sqlshift batch --in queries.json --store records.db

Exit Codes:
  0  Success
  1  Conversion failed or runtime error
  2  CLI usage error
`)
}
