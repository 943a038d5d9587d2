package urba

import (
	"github.com/go-spatial/geom"

	"github.com/urbex/urbex/sink"
	"github.com/urbex/urbex/wfs"
)

// GeometryColumn in the exported feature table.
const GeometryColumn = "geom"

// ExportTable describes the feature table the comparison writes, mirroring
// the columns the downstream charts consume.
func ExportTable(name string) sink.Table {
	return sink.Table{
		Name: name,
		Columns: []sink.Column{
			{Name: IDProperty, Type: "TEXT"},
			{Name: PartitionProperty, Type: "TEXT"},
			{Name: "dep", Type: "TEXT"},
			{Name: "area_km2", Type: "REAL"},
		},
		GeometryColumn: GeometryColumn,
		// both POLYGON and MULTIPOLYGON occur in the layer
		GeometryType: "GEOMETRY",
		SRSID:        4326,
	}
}

type exportFeature struct {
	feature wfs.Feature
	dep     string
	areaKm2 float64
}

// NewExportFeature wraps a merged feature for the table sink.
func NewExportFeature(f wfs.Feature, dep string) sink.Feature {
	return &exportFeature{feature: f, dep: dep, areaKm2: FeatureAreaKm2(f)}
}

func (e *exportFeature) Columns() []interface{} {
	docID, _ := e.feature.Properties[IDProperty].(string)
	if docID == "" {
		docID = e.feature.ID
	}
	partition, _ := e.feature.Properties[PartitionProperty].(string)
	return []interface{}{docID, partition, e.dep, e.areaKm2}
}

func (e *exportFeature) Geometry() geom.Geometry {
	return e.feature.Geometry
}
