// Package wfs implements the capped feature source: one WFS 2.0.0 GetFeature
// request per Fetch against a deployment that truncates every response at a
// configured cap.
package wfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-spatial/geom"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/urbex/urbex/bbox"
)

// ErrSourceUnavailable is returned when the retry budget for a single tile
// fetch is exhausted. The caller abandons that branch, not the whole job.
var ErrSourceUnavailable = fmt.Errorf("source unavailable")

// Feature is one urbanism document as returned by the service.
// Two Features with the same ID are the same real-world entity,
// regardless of which tile produced them.
type Feature struct {
	// ID is the persistent identifier, unique across the whole dataset
	ID string
	// Geometry is a geom.Polygon or geom.MultiPolygon (nil for other types)
	Geometry geom.Geometry
	// Properties maps attribute name to value
	Properties map[string]interface{}
	// Raw is the feature document as received, kept for byte-for-byte
	// comparison of duplicates returned by neighbouring tiles
	Raw json.RawMessage
}

// TileResult is the outcome of one tile fetch.
type TileResult struct {
	Box      bbox.Box
	Features []Feature
	// Capped is true iff the returned count equals the service's cap.
	// A false positive (the box held exactly cap features) is safe,
	// a false negative would silently lose data downstream.
	Capped bool
}

// RetryPolicy bounds the retries of a single tile fetch.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first
	Attempts int `default:"3" validate:"min=1"`
	// Backoff is the wait after the first failure, doubled per attempt
	Backoff time.Duration `default:"1s"`
}

// Config carries everything that used to be ambient state: the cap, the
// retry budget and the rate limit are per-client so concurrent jobs can
// run with independent policies.
type Config struct {
	// BaseURL of the WFS endpoint, e.g. https://data.geopf.fr/wfs/ows
	BaseURL string
	// Cap is the per-request feature limit of this deployment
	Cap int
	// SRS requested for the returned geometries
	SRS string
	// IDProperty is the fallback attribute for the persistent identifier
	// when the service does not set a feature-level id
	IDProperty string
	// RatePerSecond throttles requests client-side (0 = no limit)
	RatePerSecond float64
	Retry         RetryPolicy
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

// Client issues GetFeature requests against one WFS deployment.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newOutboundClient()
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(limit, 1),
		logger:  cfg.Logger,
	}
}

// Cap returns the configured per-request feature limit.
func (c *Client) Cap() int {
	return c.cfg.Cap
}

// Fetch retrieves the features intersecting the box. Transient failures are
// retried with bounded exponential backoff; after exhausting the budget the
// error wraps ErrSourceUnavailable.
func (c *Client) Fetch(ctx context.Context, box bbox.Box, layer string) (TileResult, error) {
	result := TileResult{Box: box}
	requestURL := c.getFeatureURL(box, layer)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.Attempts; attempt++ {
		if attempt > 1 {
			wait := c.cfg.Retry.Backoff << (attempt - 2)
			c.logger.Debug().Str("box", box.String()).Dur("wait", wait).
				Int("attempt", attempt).Msg("retrying tile fetch")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return result, fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return result, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		features, err := c.getFeatures(ctx, requestURL)
		if err != nil {
			lastErr = err
			continue
		}
		result.Features = features
		result.Capped = c.cfg.Cap > 0 && len(features) >= c.cfg.Cap
		return result, nil
	}
	return result, fmt.Errorf("%w: %d attempts on box %v: %v",
		ErrSourceUnavailable, c.cfg.Retry.Attempts, box, lastErr)
}

func (c *Client) getFeatures(ctx context.Context, requestURL string) ([]Feature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return ParseFeatureCollection(body, c.cfg.IDProperty)
}

// getFeatureURL builds the GetFeature request for one tile.
func (c *Client) getFeatureURL(box bbox.Box, layer string) string {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", layer)
	params.Set("srsName", c.cfg.SRS)
	params.Set("outputFormat", "application/json")
	params.Set("bbox", box.String()+","+c.cfg.SRS)
	if c.cfg.Cap > 0 {
		params.Set("count", strconv.Itoa(c.cfg.Cap))
	}
	return c.cfg.BaseURL + "?" + params.Encode()
}

type featureCollection struct {
	Type     string            `json:"type"`
	Features []json.RawMessage `json:"features"`
}

type rawFeature struct {
	ID         interface{}            `json:"id"`
	Geometry   *rawGeometry           `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// ParseFeatureCollection decodes a GeoJSON FeatureCollection. The persistent
// identifier is the feature-level id, or the idProperty attribute when the
// service leaves the id empty.
func ParseFeatureCollection(body []byte, idProperty string) ([]Feature, error) {
	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("decoding feature collection: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf(`expected a FeatureCollection, got %q`, fc.Type)
	}

	features := make([]Feature, 0, len(fc.Features))
	for i, raw := range fc.Features {
		var rf rawFeature
		if err := json.Unmarshal(raw, &rf); err != nil {
			return nil, fmt.Errorf("decoding feature %d: %w", i, err)
		}
		id := featureID(rf, idProperty)
		if id == "" {
			return nil, fmt.Errorf("feature %d has no persistent identifier", i)
		}
		geometry, err := decodeGeometry(rf.Geometry)
		if err != nil {
			return nil, fmt.Errorf("decoding geometry of feature %q: %w", id, err)
		}
		features = append(features, Feature{
			ID:         id,
			Geometry:   geometry,
			Properties: rf.Properties,
			Raw:        raw,
		})
	}
	return features, nil
}

func featureID(rf rawFeature, idProperty string) string {
	switch id := rf.ID.(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	if idProperty != "" {
		if v, ok := rf.Properties[idProperty].(string); ok {
			return v
		}
	}
	return ""
}

func decodeGeometry(rg *rawGeometry) (geom.Geometry, error) {
	if rg == nil {
		return nil, nil
	}
	switch rg.Type {
	case "Polygon":
		var p geom.Polygon
		if err := json.Unmarshal(rg.Coordinates, &p); err != nil {
			return nil, err
		}
		return p, nil
	case "MultiPolygon":
		var mp geom.MultiPolygon
		if err := json.Unmarshal(rg.Coordinates, &mp); err != nil {
			return nil, err
		}
		return mp, nil
	default:
		// points and lines carry no surface, they are kept attribute-only
		return nil, nil
	}
}

// newOutboundClient tunes the transport for many small requests
// against a single host.
func newOutboundClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}
