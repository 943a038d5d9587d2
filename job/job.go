// Package job configures and drives one end-to-end retrieval: per-region
// traversals feeding one merge, one aggregation.
package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/perimeterx/marshmallow"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/urbex/urbex/bbox"
	"github.com/urbex/urbex/mapslicehelp"
	"github.com/urbex/urbex/merge"
	"github.com/urbex/urbex/stats"
	"github.com/urbex/urbex/tiling"
	"github.com/urbex/urbex/urba"
	"github.com/urbex/urbex/wfs"
)

// Config holds every policy knob of a retrieval job. Multiple jobs can run
// with independent configs, nothing in here is ambient state.
type Config struct {
	BaseURL    string `default:"https://data.geopf.fr/wfs/ows" validate:"required,url" json:"baseUrl"`
	Layer      string `default:"wfs_du:zone_urba" validate:"required" json:"layer"`
	SRS        string `default:"EPSG:4326" validate:"required" json:"srs"`
	IDProperty string `default:"gpu_doc_id" json:"idProperty"`
	// Cap is the per-request feature limit of the deployment, a property of
	// the specific service, never hard-coded
	Cap      int  `default:"5000" validate:"min=1" json:"cap"`
	MaxDepth uint `default:"20" validate:"min=1" json:"maxDepth"`
	Workers  int  `default:"4" validate:"min=1" json:"workers"`
	// RatePerSecond throttles all tile fetches of the job combined
	RatePerSecond float64 `default:"2" validate:"gt=0" json:"ratePerSecond"`
	RetryAttempts int     `default:"3" validate:"min=1" json:"retryAttempts"`
	RetryBackoff  string  `default:"1s" json:"retryBackoff"`
	// Regions maps administrative-area code to its root extent
	Regions map[string]bbox.Box `validate:"required,min=1" json:"-"`
}

// Default is the configuration of the original comparison:
// the géoplateforme deployment and the three city-center extents.
func Default() Config {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		panic(err)
	}
	cfg.Regions = urba.TargetExtents()
	return cfg
}

func (c *Config) UnmarshalJSON(data []byte) error {
	if err := defaults.Set(c); err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, c, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawRegions, ok := specials["regions"]
	if ok {
		c.Regions, err = unmarshalRegions(rawRegions)
		if err != nil {
			return err
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(c)
}

func unmarshalRegions(rawRegions interface{}) (map[string]bbox.Box, error) {
	rawRegionsMap, ok := rawRegions.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf(`"regions" should be an object, not a %T`, rawRegions)
	}
	regions := make(map[string]bbox.Box, len(rawRegionsMap))
	for area, rawBox := range rawRegionsMap {
		ordinates, ok := rawBox.([]interface{})
		if !ok || len(ordinates) != 4 {
			return nil, fmt.Errorf(`region %q should be an array of 4 ordinates`, area)
		}
		var box bbox.Box
		for i, rawOrdinate := range ordinates {
			ordinate, ok := rawOrdinate.(float64)
			if !ok {
				return nil, fmt.Errorf(`region %q ordinate %d is not a number but a %T`, area, i, rawOrdinate)
			}
			box[i] = ordinate
		}
		regions[area] = box
	}
	return regions, nil
}

// RetryPolicy parses the retry knobs into the source's policy.
func (c *Config) RetryPolicy() (wfs.RetryPolicy, error) {
	backoff, err := time.ParseDuration(c.RetryBackoff)
	if err != nil {
		return wfs.RetryPolicy{}, fmt.Errorf("retry backoff: %w", err)
	}
	return wfs.RetryPolicy{Attempts: c.RetryAttempts, Backoff: backoff}, nil
}

// Result is what survives a finished job: the merged feature collection,
// the aggregate table and the completeness bookkeeping. The subdivision
// trees are gone by the time it is returned.
type Result struct {
	// Features is the deduplicated collection, restricted to the job's
	// regions, in the merge's stable order
	Features []wfs.Feature
	Rows     []stats.AggregateRow
	Requests int
	// PossiblyIncomplete is true when any branch of any region was
	// depth-bounded, abandoned or cancelled
	PossiblyIncomplete bool
	AbandonedTiles     int
	IntegrityWarnings  int
}

// Run retrieves all regions, merges and aggregates. The only fatal errors
// are a degenerate region extent (before any request is issued) and an
// invalid retry policy; everything else degrades to a flagged Result.
func Run(ctx context.Context, cfg Config, logger zerolog.Logger) (*Result, error) {
	retry, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(cfg.Regions))
	for area, region := range cfg.Regions {
		if err := region.Validate(); err != nil {
			return nil, fmt.Errorf("region %s: %w", area, err)
		}
		codes = append(codes, area)
	}
	sort.Strings(codes)

	client := wfs.NewClient(wfs.Config{
		BaseURL:       cfg.BaseURL,
		Cap:           cfg.Cap,
		SRS:           cfg.SRS,
		IDProperty:    cfg.IDProperty,
		RatePerSecond: cfg.RatePerSecond,
		Retry:         retry,
		Logger:        logger,
	})
	engine := tiling.NewEngine(client, tiling.Config{
		Layer:    cfg.Layer,
		MaxDepth: cfg.MaxDepth,
		Workers:  cfg.Workers,
		Logger:   logger,
	})

	result := &Result{}
	var mu sync.Mutex
	var tiles []wfs.TileResult

	g, gctx := errgroup.WithContext(ctx)
	for _, area := range codes {
		area := area
		region := cfg.Regions[area]
		g.Go(func() error {
			logger.Info().Str("dep", area).Str("box", region.String()).Msg("retrieving region")
			run, err := engine.Run(gctx, region)
			if err != nil {
				return fmt.Errorf("region %s: %w", area, err)
			}
			mu.Lock()
			defer mu.Unlock()
			tiles = append(tiles, run.Tiles...)
			result.Requests += run.Requests
			result.AbandonedTiles += run.AbandonedTiles
			result.PossiblyIncomplete = result.PossiblyIncomplete || run.PossiblyIncomplete
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	collection := merge.Merge(tiles, logger)
	result.IntegrityWarnings = collection.Warnings()

	assign := urba.ByDepartment(mapslicehelp.AsKeys(codes))
	for _, f := range collection.Features() {
		if _, ok := assign(f); ok {
			result.Features = append(result.Features, f)
		}
	}
	result.Rows = stats.Aggregate(result.Features, assign, urba.FeatureAreaKm2)

	logger.Info().
		Int("requests", result.Requests).
		Int("features", len(result.Features)).
		Int("integrity_warnings", result.IntegrityWarnings).
		Bool("possibly_incomplete", result.PossiblyIncomplete).
		Msg("retrieval done")
	return result, nil
}
