package geomhelp

import (
	"math"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/muesli/reflow/truncate"
)

// https://en.wikipedia.org/wiki/Shoelace_formula
func Shoelace(pts [][2]float64) float64 {
	sum := 0.
	if len(pts) == 0 {
		return 0.
	}

	p0 := pts[len(pts)-1]
	for _, p1 := range pts {
		sum += p0[1]*p1[0] - p0[0]*p1[1]
		p0 = p1
	}
	return math.Abs(sum / 2)
}

// PolygonArea is the surface of the outer ring minus the holes,
// in square CRS units.
func PolygonArea(p geom.Polygon) float64 {
	rings := p.LinearRings()
	if len(rings) == 0 {
		return 0.
	}
	interior := 0.
	for _, ring := range rings[1:] {
		interior += Shoelace(ring)
	}
	return Shoelace(rings[0]) - interior
}

// GeometryArea handles the two surface geometry types the source returns.
// Anything else has no surface.
func GeometryArea(g geom.Geometry) float64 {
	switch gg := g.(type) {
	case geom.Polygon:
		return PolygonArea(gg)
	case geom.MultiPolygon:
		area := 0.
		for _, p := range gg.Polygons() {
			area += PolygonArea(p)
		}
		return area
	default:
		return 0.
	}
}

// WktMustEncode renders a geometry as WKT for log lines,
// truncated to maxLen (0 = no truncation).
func WktMustEncode(g geom.Geometry, maxLen uint) string {
	if g == nil {
		return "<nil>"
	}
	if maxLen == 0 {
		return wkt.MustEncode(g)
	}
	return truncate.StringWithTail(wkt.MustEncode(g), maxLen, "...")
}

// Centroid is the mean of all outer-ring vertices, good enough to pick a
// representative latitude for an equal-area correction.
func Centroid(g geom.Geometry) ([2]float64, bool) {
	var sum [2]float64
	n := 0
	add := func(p geom.Polygon) {
		rings := p.LinearRings()
		if len(rings) == 0 {
			return
		}
		for _, pt := range rings[0] {
			sum[0] += pt[0]
			sum[1] += pt[1]
			n++
		}
	}
	switch gg := g.(type) {
	case geom.Polygon:
		add(gg)
	case geom.MultiPolygon:
		for _, p := range gg.Polygons() {
			add(p)
		}
	}
	if n == 0 {
		return [2]float64{}, false
	}
	return [2]float64{sum[0] / float64(n), sum[1] / float64(n)}, true
}
