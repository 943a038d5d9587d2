package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/urbex/urbex/bbox"
	"github.com/urbex/urbex/job"
	"github.com/urbex/urbex/sink"
	"github.com/urbex/urbex/sink/csvtable"
	gpkgsink "github.com/urbex/urbex/sink/gpkg"
	"github.com/urbex/urbex/stats"
	"github.com/urbex/urbex/urba"
	"github.com/urbex/urbex/wfs"
)

const CONFIG string = `config`
const URL string = `url`
const LAYER string = `layer`
const CAP string = `cap`
const MAXDEPTH string = `maxdepth`
const WORKERS string = `workers`
const RATE string = `rate`
const RETRIES string = `retries`
const BACKOFF string = `backoff`
const DEPARTMENTS string = `departments`
const TARGET string = `targetGpkg`
const STATSCSV string = `statsCsv`
const OVERWRITE string = `overwrite`
const PAGESIZE string = `pagesize`
const LOGLEVEL string = `loglevel`

const featureTableName = `documents_urbanisme`

//nolint:funlen
func main() {
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Name = "urbex"
	app.Usage = "Exhaustive retrieval of French urbanism documents from a capped WFS, with density statistics per department"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "Job config (JSON). Flags override its values",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:    URL,
			Usage:   "WFS endpoint",
			Value:   urba.DefaultEndpoint,
			EnvVars: []string{strcase.ToScreamingSnake(URL)},
		},
		&cli.StringFlag{
			Name:    LAYER,
			Aliases: []string{"l"},
			Usage:   "WFS layer (typeNames)",
			Value:   urba.DefaultLayer,
			EnvVars: []string{strcase.ToScreamingSnake(LAYER)},
		},
		&cli.IntFlag{
			Name:    CAP,
			Usage:   "Per-request feature limit of this WFS deployment",
			Value:   urba.DefaultCap,
			EnvVars: []string{strcase.ToScreamingSnake(CAP)},
		},
		&cli.UintFlag{
			Name:    MAXDEPTH,
			Usage:   "Maximum subdivision depth per region",
			Value:   20,
			EnvVars: []string{strcase.ToScreamingSnake(MAXDEPTH)},
		},
		&cli.IntFlag{
			Name:    WORKERS,
			Usage:   "Concurrent tile fetches per region",
			Value:   4,
			EnvVars: []string{strcase.ToScreamingSnake(WORKERS)},
		},
		&cli.Float64Flag{
			Name:    RATE,
			Usage:   "Request rate limit (calls per second, all regions combined)",
			Value:   2,
			EnvVars: []string{strcase.ToScreamingSnake(RATE)},
		},
		&cli.IntFlag{
			Name:    RETRIES,
			Usage:   "Attempts per tile fetch before abandoning the branch",
			Value:   3,
			EnvVars: []string{strcase.ToScreamingSnake(RETRIES)},
		},
		&cli.StringFlag{
			Name:    BACKOFF,
			Usage:   "Backoff after the first failed attempt, doubled per retry. E.g. 1s",
			Value:   "1s",
			EnvVars: []string{strcase.ToScreamingSnake(BACKOFF)},
		},
		&cli.StringFlag{
			Name:    DEPARTMENTS,
			Aliases: []string{"d"},
			Usage:   "Comma-separated department codes to compare. E.g. 13,69,75",
			EnvVars: []string{strcase.ToScreamingSnake(DEPARTMENTS)},
		},
		&cli.StringFlag{
			Name:    TARGET,
			Aliases: []string{"t"},
			Usage:   "Target GPKG for the merged feature collection",
			Value:   "documents_urbanisme.gpkg",
			EnvVars: []string{strcase.ToScreamingSnake(TARGET)},
		},
		&cli.StringFlag{
			Name:    STATSCSV,
			Aliases: []string{"s"},
			Usage:   "Target CSV for the per-department statistics",
			Value:   "statistiques_departements.csv",
			EnvVars: []string{strcase.ToScreamingSnake(STATSCSV)},
		},
		&cli.BoolFlag{
			Name:    OVERWRITE,
			Aliases: []string{"o"},
			Usage:   "Overwrite the target GPKG if it exists",
			EnvVars: []string{strcase.ToScreamingSnake(OVERWRITE)},
		},
		&cli.IntFlag{
			Name:    PAGESIZE,
			Aliases: []string{"p"},
			Usage:   "Page Size, how many features are written per transaction to the target GPKG",
			Value:   1000,
			EnvVars: []string{strcase.ToScreamingSnake(PAGESIZE)},
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "Log level: trace, debug, info, warn or error",
			Value:   "info",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
	}

	app.Action = func(c *cli.Context) error {
		logger, err := buildLogger(c.String(LOGLEVEL))
		if err != nil {
			return err
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := job.Run(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if result.PossiblyIncomplete {
			logger.Warn().Msg("result is possibly incomplete, exporting what was retrieved")
		}

		if err := writeGeopackage(c.String(TARGET), c.Bool(OVERWRITE), c.Int(PAGESIZE), result.Features); err != nil {
			return err
		}
		logger.Info().Str("path", c.String(TARGET)).Int("features", len(result.Features)).Msg("wrote feature collection")

		records := make([][]string, 0, len(result.Rows))
		for _, row := range result.Rows {
			records = append(records, row.Record())
		}
		if err := csvtable.NewWriter(c.String(STATSCSV)).WriteRows(stats.Header(), records); err != nil {
			return err
		}
		logger.Info().Str("path", c.String(STATSCSV)).Int("rows", len(records)).Msg("wrote statistics")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		failLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
		failLogger.Fatal().Err(err).Msg(app.Name + " failed")
	}
}

func buildLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("unknown log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).With().Timestamp().Logger(), nil
}

func loadConfig(c *cli.Context) (job.Config, error) {
	cfg := job.Default()
	if c.IsSet(CONFIG) {
		raw, err := os.ReadFile(c.String(CONFIG))
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", c.String(CONFIG), err)
		}
	}

	if c.IsSet(URL) {
		cfg.BaseURL = c.String(URL)
	}
	if c.IsSet(LAYER) {
		cfg.Layer = c.String(LAYER)
	}
	if c.IsSet(CAP) {
		cfg.Cap = c.Int(CAP)
	}
	if c.IsSet(MAXDEPTH) {
		cfg.MaxDepth = c.Uint(MAXDEPTH)
	}
	if c.IsSet(WORKERS) {
		cfg.Workers = c.Int(WORKERS)
	}
	if c.IsSet(RATE) {
		cfg.RatePerSecond = c.Float64(RATE)
	}
	if c.IsSet(RETRIES) {
		cfg.RetryAttempts = c.Int(RETRIES)
	}
	if c.IsSet(BACKOFF) {
		cfg.RetryBackoff = c.String(BACKOFF)
	}
	if c.IsSet(DEPARTMENTS) {
		wanted, err := restrictRegions(cfg, strings.Split(c.String(DEPARTMENTS), ","))
		if err != nil {
			return cfg, err
		}
		cfg.Regions = wanted
	}
	return cfg, nil
}

// restrictRegions narrows the configured regions to the departments asked
// for on the command line. Codes without a known extent are an error, not
// silently empty output.
func restrictRegions(cfg job.Config, departments []string) (map[string]bbox.Box, error) {
	known := urba.TargetExtents()
	wanted := make(map[string]bbox.Box, len(departments))
	for _, code := range departments {
		code = strings.TrimSpace(code)
		if region, ok := cfg.Regions[code]; ok {
			wanted[code] = region
			continue
		}
		if region, ok := known[code]; ok {
			wanted[code] = region
			continue
		}
		return nil, fmt.Errorf("no extent known for department %q, add it to the config", code)
	}
	return wanted, nil
}

func writeGeopackage(path string, overwrite bool, pagesize int, features []wfs.Feature) error {
	if overwrite {
		err := os.Remove(path)
		var pathError *os.PathError
		if err != nil && !(errors.As(err, &pathError) && errors.Is(pathError.Err, syscall.ENOENT)) {
			return fmt.Errorf("could not remove target file: %w", err)
		}
	}

	target, err := gpkgsink.NewTarget(path, pagesize)
	if err != nil {
		return err
	}
	defer target.Close()

	if err := target.CreateTable(urba.ExportTable(featureTableName)); err != nil {
		return err
	}

	exports := make(chan sink.Feature)
	go func() {
		defer close(exports)
		for _, f := range features {
			if dep, ok := urba.Department(f); ok {
				exports <- urba.NewExportFeature(f, dep)
			}
		}
	}()
	return target.WriteFeatures(exports)
}
