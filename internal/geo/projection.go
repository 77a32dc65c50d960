package geo

import (
	"github.com/streetviewlocate/geosync/internal/crs"

	"github.com/wroge/wgs84"
)

type spheroid struct {
	a, fi float64
}

func (s spheroid) A() float64 {
	return s.a
}

func (s spheroid) Fi() float64 {
	return s.fi
}

// datumFor builds the datum of a configured definition, bounded by its area
// of use when one is set.
func datumFor(d crs.Definition) wgs84.Datum {
	return wgs84.Datum{
		Spheroid: spheroid{a: d.SemiMajorAxis, fi: d.InverseFlattening},
		Area: wgs84.AreaFunc(func(lon, lat float64) bool {
			return d.Contains(lon, lat)
		}),
	}
}
