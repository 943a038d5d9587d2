// Package sink defines the table sink boundary: the retrieval core hands an
// ordered feature collection and aggregate rows to sinks and never writes
// files itself.
package sink

import (
	"github.com/go-spatial/geom"
)

// Feature is one record bound for a feature table.
type Feature interface {
	Columns() []interface{}
	Geometry() geom.Geometry
}

// Column describes one attribute column of a feature table.
type Column struct {
	Name string
	// Type is the SQL type, e.g. TEXT or REAL
	Type string
}

// Table describes a feature table to be created in a target.
type Table struct {
	Name           string
	Columns        []Column
	GeometryColumn string
	// GeometryType is the WKT name, e.g. POLYGON or GEOMETRY
	GeometryType string
	SRSID        int
}

// Target consumes a stream of features for one table.
type Target interface {
	CreateTable(Table) error
	WriteFeatures(<-chan Feature) error
	Close() error
}

// Rows consumes an aggregate table.
type Rows interface {
	WriteRows(header []string, records [][]string) error
}
