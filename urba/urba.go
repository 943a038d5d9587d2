// Package urba carries the French urbanism-document specifics: the public
// géoplateforme WFS deployment, the department extents the comparison runs
// on, and the attribute conventions of the wfs_du schema.
package urba

import (
	"math"
	"regexp"

	"github.com/go-spatial/geom"

	"github.com/urbex/urbex/bbox"
	"github.com/urbex/urbex/geomhelp"
	"github.com/urbex/urbex/mathhelp"
	"github.com/urbex/urbex/stats"
	"github.com/urbex/urbex/wfs"
)

const (
	// DefaultEndpoint is the géoplateforme WFS deployment
	DefaultEndpoint = "https://data.geopf.fr/wfs/ows"
	// DefaultLayer holds the urbanism-document zoning features
	DefaultLayer = "wfs_du:zone_urba"
	// DefaultSRS all retrieval runs in
	DefaultSRS = "EPSG:4326"
	// DefaultCap is this deployment's per-request feature limit
	DefaultCap = 5000
	// IDProperty is the persistent identifier attribute of the wfs_du schema
	IDProperty = "gpu_doc_id"
	// PartitionProperty encodes, among others, the department code
	PartitionProperty = "partition"
)

// TargetExtents are the dense city-center extents the density comparison
// targets: Marseille, Lyon and Paris.
func TargetExtents() map[string]bbox.Box {
	return map[string]bbox.Box{
		"13": {4.7, 43.2, 5.4, 43.5},
		"69": {4.7, 45.7, 4.9, 45.8},
		"75": {2.3, 48.8, 2.4, 48.9},
	}
}

// partition values look like "DU_13055": the first two digits are the department
var departmentRe = regexp.MustCompile(`(\d{2})`)

// Department extracts the department code from the partition attribute.
func Department(f wfs.Feature) (string, bool) {
	partition, ok := f.Properties[PartitionProperty].(string)
	if !ok {
		return "", false
	}
	code := departmentRe.FindString(partition)
	return code, code != ""
}

// ByDepartment is the area assignment for the aggregation: features are
// grouped by department code, restricted to the wanted set.
func ByDepartment(wanted map[string]any) stats.Assignment {
	return func(f wfs.Feature) (string, bool) {
		dep, ok := Department(f)
		if !ok {
			return "", false
		}
		if _, want := wanted[dep]; !want {
			return "", false
		}
		return dep, true
	}
}

const kmPerDegree = 111.32 // at the equator

// FeatureAreaKm2 approximates a geometry's surface in km2. The source
// serves EPSG:4326, so the square-degree surface is scaled with a
// cosine-of-latitude correction at the geometry's centroid, which tracks
// an equal-area reprojection well at city scale.
func FeatureAreaKm2(f wfs.Feature) float64 {
	return GeometryAreaKm2(f.Geometry)
}

func GeometryAreaKm2(g geom.Geometry) float64 {
	areaDeg2 := geomhelp.GeometryArea(g)
	if areaDeg2 == 0 {
		return 0
	}
	lat := 0.
	if c, ok := geomhelp.Centroid(g); ok && mathhelp.BetweenInc(c[1], -90, 90) {
		lat = c[1]
	}
	return areaDeg2 * kmPerDegree * kmPerDegree * math.Cos(lat*math.Pi/180)
}
