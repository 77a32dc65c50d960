package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
)

// ErrInvalidCoordinates is returned when a coordinate string cannot be parsed.
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ProjectedPoint is an easting/northing pair in a drawing's local projected CRS.
type ProjectedPoint struct {
	Easting  float64 `json:"easting"`
	Northing float64 `json:"northing"`
}

func (p ProjectedPoint) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", p.Easting, p.Northing)
}

// Geom returns the point as a 2D simplefeatures point for WKB storage.
// Non-finite coordinates are rejected.
func (p ProjectedPoint) Geom() (geom.Point, error) {
	pt, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: p.Easting, Y: p.Northing},
		Type: geom.DimXY,
	})
	if err != nil {
		return geom.Point{}, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	return pt, nil
}

// ProjectedFromGeom converts a stored point back. An empty point is an error.
func ProjectedFromGeom(pt geom.Point) (ProjectedPoint, error) {
	xy, ok := pt.XY()
	if !ok {
		return ProjectedPoint{}, ErrInvalidCoordinates
	}
	return ProjectedPoint{Easting: xy.X, Northing: xy.Y}, nil
}

// GeoPose is a WGS84 camera pose. Heading is clockwise from north in degrees.
type GeoPose struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Heading   float64 `json:"heading"`
	Pitch     float64 `json:"pitch"`
}

func (p GeoPose) String() string {
	return fmt.Sprintf("lat=%.7f lon=%.7f heading=%.2f pitch=%.2f", p.Latitude, p.Longitude, p.Heading, p.Pitch)
}

// Valid reports whether latitude and longitude are finite and in range.
func (p GeoPose) Valid() bool {
	return finite(p.Latitude) && finite(p.Longitude) &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// HeadingToRotation converts a viewer heading (degrees, clockwise from north)
// to a drawing rotation (radians, counter-clockwise positive) by mirroring it:
// (360 - heading) mod 360. The result is always in [0, 2π). A northward
// heading is rotation 0, not π.
func HeadingToRotation(heading float64) float64 {
	deg := math.Mod(360-heading, 360)
	if deg < 0 {
		deg += 360
	}
	// 360-ε can round up to 360 after Mod on tiny negative headings
	if deg >= 360 {
		deg = 0
	}
	return deg * math.Pi / 180
}

// PointFromString parses "easting,northing" (extra components ignored).
func PointFromString(coords string) (ProjectedPoint, error) {
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) < 2 {
		return ProjectedPoint{}, ErrInvalidCoordinates
	}
	easting, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil || !finite(easting) {
		return ProjectedPoint{}, ErrInvalidCoordinates
	}
	northing, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil || !finite(northing) {
		return ProjectedPoint{}, ErrInvalidCoordinates
	}
	return ProjectedPoint{Easting: easting, Northing: northing}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
