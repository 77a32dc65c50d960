// Package export writes the markers of a drawing as GeoJSON in WGS84.
package export

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/streetviewlocate/geosync/internal/crs"
	"github.com/streetviewlocate/geosync/internal/document"
	"github.com/streetviewlocate/geosync/internal/geo"
)

// MarkerSource lists the live markers of a drawing.
type MarkerSource interface {
	Markers(ctx context.Context) ([]document.Record, error)
}

// GeoJSON converts every live marker in src to a point feature. Each feature
// carries the marker id, block, projected position and its viewer heading.
func GeoJSON(ctx context.Context, src MarkerSource, t *geo.Transformer, code crs.Code) (*geojson.FeatureCollection, error) {
	recs, err := src.Markers(ctx)
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	for _, rec := range recs {
		pose, err := t.ToGeographic(rec.Point, code)
		if err != nil {
			return nil, fmt.Errorf("marker %s: %w", rec.ID, err)
		}

		f := geojson.NewFeature(orb.Point{pose.Longitude, pose.Latitude})
		f.ID = rec.ID
		f.Properties["document"] = rec.DocumentID
		f.Properties["block"] = rec.Block
		f.Properties["crs"] = code.Name
		f.Properties["easting"] = rec.Point.Easting
		f.Properties["northing"] = rec.Point.Northing
		f.Properties["rotation"] = rec.Rotation
		f.Properties["heading"] = rotationToHeading(rec.Rotation)
		f.Properties["updatedAt"] = rec.UpdatedAt
		fc.Append(f)
	}
	return fc, nil
}

// rotationToHeading inverts geo.HeadingToRotation.
func rotationToHeading(rotation float64) float64 {
	deg := math.Mod(360-rotation*180/math.Pi, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
