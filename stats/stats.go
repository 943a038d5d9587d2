// Package stats computes comparative density statistics per administrative
// area from a merged feature collection.
package stats

import (
	"strconv"

	"github.com/umpc/go-sortedmap"

	"github.com/urbex/urbex/wfs"
)

// AggregateRow is one administrative area's share of the dataset.
type AggregateRow struct {
	// Area is the administrative-area identifier, e.g. a department code
	Area string
	// Count is the number of documents assigned to the area
	Count int
	// TotalAreaKm2 is the summed geometric surface of those documents
	TotalAreaKm2 float64
	// MeanAreaKm2 is TotalAreaKm2 / Count
	MeanAreaKm2 float64
	// Density is documents per km2 of covered surface
	Density float64
}

// Assignment maps a feature to its administrative area. Features it does not
// recognise are left out of the aggregation.
type Assignment func(wfs.Feature) (area string, ok bool)

// AreaFunc computes a feature's surface in km2.
type AreaFunc func(wfs.Feature) float64

// Aggregate groups the features per administrative area. Rows come out
// sorted by area identifier so downstream exports are reproducible.
func Aggregate(features []wfs.Feature, assign Assignment, areaOf AreaFunc) []AggregateRow {
	byArea := sortedmap.New(4, func(x, y interface{}) bool {
		return x.(*AggregateRow).Area < y.(*AggregateRow).Area
	})
	for _, f := range features {
		area, ok := assign(f)
		if !ok {
			continue
		}
		var row *AggregateRow
		if rec, ok := byArea.Get(area); ok {
			row = rec.(*AggregateRow)
		} else {
			row = &AggregateRow{Area: area}
			byArea.Insert(area, row)
		}
		row.Count++
		row.TotalAreaKm2 += areaOf(f)
	}

	keys := byArea.Keys()
	rows := make([]AggregateRow, 0, len(keys))
	for _, key := range keys {
		row := byArea.Map()[key].(*AggregateRow)
		if row.Count > 0 {
			row.MeanAreaKm2 = row.TotalAreaKm2 / float64(row.Count)
		}
		if row.TotalAreaKm2 > 0 {
			row.Density = float64(row.Count) / row.TotalAreaKm2
		}
		rows = append(rows, *row)
	}
	return rows
}

// Header names the columns of Record, for table sinks.
func Header() []string {
	return []string{"dep", "nb_documents", "total_area_km2", "mean_area_km2", "density"}
}

// Record renders the row for a table sink.
func (r AggregateRow) Record() []string {
	return []string{
		r.Area,
		strconv.Itoa(r.Count),
		strconv.FormatFloat(r.TotalAreaKm2, 'f', 6, 64),
		strconv.FormatFloat(r.MeanAreaKm2, 'f', 6, 64),
		strconv.FormatFloat(r.Density, 'f', 6, 64),
	}
}
