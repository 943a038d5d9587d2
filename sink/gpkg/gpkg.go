// Package gpkg writes a feature collection to a GeoPackage target.
package gpkg

import (
	"fmt"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"

	"github.com/urbex/urbex/sink"
)

// wgs84 is the only SRS the retrieval runs in; targets are created with it.
var wgs84 = gpkg.SpatialReferenceSystem{
	Name:                   "WGS 84 geodetic",
	ID:                     4326,
	Organization:           "EPSG",
	OrganizationCoordsysID: 4326,
	Definition: `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],` +
		`AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],` +
		`UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`,
	Description: "longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid",
}

// geometryTypeFromString returns the numeric value of a geometry string
func geometryTypeFromString(geometrytype string) gpkg.GeometryType {
	switch strings.ToUpper(geometrytype) {
	case "GEOMETRY":
		return gpkg.Geometry
	case "POINT":
		return gpkg.Point
	case "LINESTRING":
		return gpkg.Linestring
	case "POLYGON":
		return gpkg.Polygon
	case "MULTIPOINT":
		return gpkg.MultiPoint
	case "MULTILINESTRING":
		return gpkg.MultiLinestring
	case "MULTIPOLYGON":
		return gpkg.MultiPolygon
	case "GEOMETRYCOLLECTION":
		return gpkg.GeometryCollection
	default:
		return gpkg.Geometry
	}
}

// TargetGeopackage writes one feature table, paged per transaction.
type TargetGeopackage struct {
	table    sink.Table
	pagesize int
	handle   *gpkg.Handle
}

func NewTarget(file string, pagesize int) (*TargetGeopackage, error) {
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening target GeoPackage: %w", err)
	}
	return &TargetGeopackage{pagesize: pagesize, handle: handle}, nil
}

func (t *TargetGeopackage) Close() error {
	t.handle.Close()
	return nil
}

func (t *TargetGeopackage) CreateTable(table sink.Table) error {
	if table.SRSID != int(wgs84.ID) {
		return fmt.Errorf("unsupported srs %d, only %d is", table.SRSID, wgs84.ID)
	}
	t.table = table

	if err := t.handle.UpdateSRS(wgs84); err != nil {
		return err
	}
	if _, err := t.handle.Exec(t.createSQL()); err != nil {
		return fmt.Errorf("building table in target GeoPackage: %w", err)
	}
	return t.handle.AddGeometryTable(gpkg.TableDescription{
		Name:          table.Name,
		ShortName:     table.Name,
		Description:   table.Name,
		GeometryField: table.GeometryColumn,
		GeometryType:  geometryTypeFromString(table.GeometryType),
		SRS:           int32(table.SRSID),
		//
		Z: gpkg.Prohibited,
		M: gpkg.Prohibited,
	})
}

// WriteFeatures drains the channel into the table. A page of features is
// written per transaction.
func (t *TargetGeopackage) WriteFeatures(features <-chan sink.Feature) error {
	var page []sink.Feature

	for feature := range features {
		page = append(page, feature)
		if len(page) == t.pagesize {
			if err := t.writePage(page); err != nil {
				return err
			}
			page = nil
		}
	}
	return t.writePage(page)
}

func (t *TargetGeopackage) writePage(page []sink.Feature) error {
	if len(page) == 0 {
		return nil
	}
	tx, err := t.handle.Begin()
	if err != nil {
		return fmt.Errorf("could not start a transaction: %w", err)
	}
	stmt, err := tx.Prepare(t.insertSQL())
	if err != nil {
		return fmt.Errorf("could not prepare a statement: %w", err)
	}

	var ext *geom.Extent
	for _, feature := range page {
		data := append([]interface{}{}, feature.Columns()...)

		geometry := feature.Geometry()
		if geometry != nil {
			sb, err := gpkg.NewBinary(int32(t.table.SRSID), geometry)
			if err != nil {
				return fmt.Errorf("could not create a binary geometry: %w", err)
			}
			data = append(data, sb)
		} else {
			data = append(data, nil)
		}

		if _, err = stmt.Exec(data...); err != nil {
			return fmt.Errorf("could not execute the prepared statement: %w", err)
		}

		if geometry == nil {
			continue
		}
		if ext == nil {
			ext, err = geom.NewExtentFromGeometry(geometry)
			if err != nil {
				ext = nil
				continue
			}
		} else {
			if err := ext.AddGeometry(geometry); err != nil {
				return err
			}
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	if ext == nil {
		return nil
	}
	return t.handle.UpdateGeometryExtent(t.table.Name, ext)
}

// createSQL creates a CREATE statement on the given table and column information
func (t *TargetGeopackage) createSQL() string {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%v"`, t.table.Name)
	columnparts := []string{`fid INTEGER PRIMARY KEY AUTOINCREMENT`}
	for _, column := range t.table.Columns {
		columnparts = append(columnparts, `"`+column.Name+`" `+column.Type)
	}
	columnparts = append(columnparts, `"`+t.table.GeometryColumn+`" `+t.table.GeometryType)
	return create + `(` + strings.Join(columnparts, `, `) + `);`
}

// insertSQL builds the INSERT statement based on the table and columns
func (t *TargetGeopackage) insertSQL() string {
	var csql, vsql []string
	for _, c := range t.table.Columns {
		csql = append(csql, `"`+c.Name+`"`)
		vsql = append(vsql, `?`)
	}
	csql = append(csql, `"`+t.table.GeometryColumn+`"`)
	vsql = append(vsql, `?`)
	return `INSERT INTO "` + t.table.Name + `"(` + strings.Join(csql, `,`) + `) VALUES(` + strings.Join(vsql, `,`) + `)`
}
