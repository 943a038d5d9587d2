// Package bbox holds the bounding box model used as the unit of one retrieval request.
package bbox

import (
	"fmt"

	"github.com/go-spatial/geom"
)

// ErrInvalidGeometry is returned for degenerate (zero-area or inverted) boxes.
var ErrInvalidGeometry = fmt.Errorf("invalid geometry")

// Boxer represents an interface that returns a bounding box.
type Boxer interface {
	Box() (box [4]float64)
}

// Box represents the minx, miny, maxx and maxy of a query window,
// in the coordinate reference system of the retrieval job.
type Box [4]float64

// New validates the ordinates and returns a Box.
func New(minX, minY, maxX, maxY float64) (Box, error) {
	b := Box{minX, minY, maxX, maxY}
	if err := b.Validate(); err != nil {
		return Box{}, err
	}
	return b, nil
}

// MinX is the smaller of the x values.
func (b Box) MinX() float64 {
	return b[0]
}

// MinY is the smaller of the y values.
func (b Box) MinY() float64 {
	return b[1]
}

// MaxX is the larger of the x values.
func (b Box) MaxX() float64 {
	return b[2]
}

// MaxY is the larger of the y values.
func (b Box) MaxY() float64 {
	return b[3]
}

// XSpan is the distance of the Box in X.
func (b Box) XSpan() float64 {
	return b[2] - b[0]
}

// YSpan is the distance of the Box in Y.
func (b Box) YSpan() float64 {
	return b[3] - b[1]
}

// Box returns back the min and max of the Box.
func (b Box) Box() [4]float64 {
	return b
}

// Area returns the surface of the Box in square CRS units.
func (b Box) Area() float64 {
	return b.XSpan() * b.YSpan()
}

// Validate rejects boxes that cannot be subdivided:
// inverted ordinates or a zero span on either axis.
func (b Box) Validate() error {
	if b.XSpan() <= 0 || b.YSpan() <= 0 {
		return fmt.Errorf("%w: box %v has no area", ErrInvalidGeometry, b)
	}
	return nil
}

// Subdivide splits the Box into its four quadrants. The children exactly
// partition the parent: the shared edges reuse the parent's midpoint
// ordinates, so no gap or overlap can be introduced by rounding.
// Quadrants:
//
//	|-------|
//	| 2 | 3 |
//	|-------|
//	| 0 | 1 |
//	|-------|
func (b Box) Subdivide() [4]Box {
	midX := b.MinX() + b.XSpan()/2
	midY := b.MinY() + b.YSpan()/2
	return [4]Box{
		{b.MinX(), b.MinY(), midX, midY},
		{midX, b.MinY(), b.MaxX(), midY},
		{b.MinX(), midY, midX, b.MaxY()},
		{midX, midY, b.MaxX(), b.MaxY()},
	}
}

// Intersects reports whether the two boxes share any surface.
// Touching edges do not count as an intersection.
func (b Box) Intersects(other Box) bool {
	return b.MinX() < other.MaxX() && other.MinX() < b.MaxX() &&
		b.MinY() < other.MaxY() && other.MinY() < b.MaxY()
}

// Contains reports whether the point is inside the Box.
// MinX and MinY are inclusive, MaxX and MaxY exclusive,
// so a point on a shared subdivision edge is in exactly one child.
func (b Box) Contains(pt [2]float64) bool {
	return pt[0] >= b.MinX() && pt[0] < b.MaxX() &&
		pt[1] >= b.MinY() && pt[1] < b.MaxY()
}

// Centroid returns the middle of the Box.
func (b Box) Centroid() [2]float64 {
	return [2]float64{b.MinX() + b.XSpan()/2, b.MinY() + b.YSpan()/2}
}

// ToGeomExtent converts to the go-spatial extent type.
func (b Box) ToGeomExtent() geom.Extent {
	return geom.Extent(b)
}

// FromGeomExtent converts from the go-spatial extent type.
func FromGeomExtent(e geom.Extent) Box {
	return Box(e)
}

// Less orders boxes by (minx, miny, maxx, maxy). It is used to sort tile
// results into a deterministic order independent of fetch interleaving.
func (b Box) Less(other Box) bool {
	for i := range b {
		if b[i] != other[i] {
			return b[i] < other[i]
		}
	}
	return false
}

func (b Box) String() string {
	return fmt.Sprintf("%v,%v,%v,%v", b.MinX(), b.MinY(), b.MaxX(), b.MaxY())
}
