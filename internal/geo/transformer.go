package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/streetviewlocate/geosync/internal/crs"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/wroge/wgs84"
)

// ErrOutOfDomain is returned when the backend yields a non-finite coordinate,
// which is how it reports input outside the CRS area of use.
var ErrOutOfDomain = errors.New("coordinate outside the coordinate system domain")

// TransformError carries the CRS and the coordinate that failed to transform.
type TransformError struct {
	EPSG      int
	Direction string // "to-geographic" or "to-projected"
	X, Y      float64
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s EPSG:%d failed for (%g, %g): %v", e.Direction, e.EPSG, e.X, e.Y, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

const (
	directionToGeographic = "to-geographic"
	directionToProjected  = "to-projected"
)

// pipeline is the backend's transform function shape: (x, y, z) in, (x, y, z) out.
type pipeline = func(a, b, c float64) (a2, b2, c2 float64)

// Transformer converts between a projected CRS and WGS84 longitude/latitude.
// Pipelines are built once per (source, target) pair and cached for the
// process lifetime. It is safe for concurrent use.
type Transformer struct {
	registry *crs.Registry
	build    func(from, to int) pipeline
	cache    cmap.ConcurrentMap[string, pipeline]
}

// NewTransformer creates a transformer over the registry's codes. Custom
// definitions in the registry are added to the backend's EPSG repository.
func NewTransformer(registry *crs.Registry) *Transformer {
	repo := wgs84.EPSG()
	for _, d := range registry.Definitions() {
		proj := datumFor(d).TransverseMercator(d.CentralMeridian, d.LatitudeOfOrigin, d.ScaleFactor, d.FalseEasting, d.FalseNorthing)
		repo.Add(d.EPSG, proj)
	}

	return &Transformer{
		registry: registry,
		build: func(from, to int) pipeline {
			return repo.Transform(from, to)
		},
		cache: cmap.New[pipeline](),
	}
}

// ToGeographic converts a projected point in code to WGS84. Heading and pitch
// of the returned pose are zero.
func (t *Transformer) ToGeographic(p ProjectedPoint, code crs.Code) (GeoPose, error) {
	fail := func(err error) (GeoPose, error) {
		return GeoPose{}, &TransformError{
			EPSG: code.EPSG, Direction: directionToGeographic,
			X: p.Easting, Y: p.Northing, Err: err,
		}
	}

	if !finite(p.Easting) || !finite(p.Northing) {
		return fail(ErrInvalidCoordinates)
	}
	if err := t.check(code); err != nil {
		return fail(err)
	}

	lon, lat, err := t.apply(code.EPSG, crs.EPSGWGS84, p.Easting, p.Northing)
	if err != nil {
		return fail(err)
	}
	if code.EPSG != crs.EPSGWGS84 {
		if lon, lat, err = t.refine(code.EPSG, p, lon, lat); err != nil {
			return fail(err)
		}
	}

	pose := GeoPose{Latitude: lat, Longitude: lon}
	if !pose.Valid() {
		return fail(ErrOutOfDomain)
	}
	return pose, nil
}

// ToProjected converts the position of a WGS84 pose to code.
func (t *Transformer) ToProjected(pose GeoPose, code crs.Code) (ProjectedPoint, error) {
	fail := func(err error) (ProjectedPoint, error) {
		return ProjectedPoint{}, &TransformError{
			EPSG: code.EPSG, Direction: directionToProjected,
			X: pose.Longitude, Y: pose.Latitude, Err: err,
		}
	}

	if !pose.Valid() {
		return fail(ErrInvalidCoordinates)
	}
	if err := t.check(code); err != nil {
		return fail(err)
	}

	easting, northing, err := t.apply(crs.EPSGWGS84, code.EPSG, pose.Longitude, pose.Latitude)
	if err != nil {
		return fail(err)
	}
	return ProjectedPoint{Easting: easting, Northing: northing}, nil
}

const (
	refineSteps     = 8
	refineTolerance = 1e-6 // projected units
	jacobianStep    = 1e-7 // degrees
)

// refine corrects the backend inverse with Newton steps against the forward
// pipeline, so ToProjected(ToGeographic(p)) lands back on p.
func (t *Transformer) refine(epsg int, p ProjectedPoint, lon, lat float64) (float64, float64, error) {
	forward := func(lon, lat float64) (float64, float64, error) {
		return t.apply(crs.EPSGWGS84, epsg, lon, lat)
	}

	for range refineSteps {
		e, n, err := forward(lon, lat)
		if err != nil {
			return 0, 0, err
		}
		re, rn := p.Easting-e, p.Northing-n
		if math.Hypot(re, rn) <= refineTolerance {
			break
		}

		eLon, nLon, err := forward(lon+jacobianStep, lat)
		if err != nil {
			return 0, 0, err
		}
		eLat, nLat, err := forward(lon, lat+jacobianStep)
		if err != nil {
			return 0, 0, err
		}
		a, b := (eLon-e)/jacobianStep, (eLat-e)/jacobianStep
		c, d := (nLon-n)/jacobianStep, (nLat-n)/jacobianStep
		det := a*d - b*c
		if det == 0 || !finite(det) {
			break
		}
		lon += (d*re - b*rn) / det
		lat += (a*rn - c*re) / det
	}
	return lon, lat, nil
}

// CachedPipelines returns the number of pipelines built so far.
func (t *Transformer) CachedPipelines() int {
	return t.cache.Count()
}

func (t *Transformer) check(code crs.Code) error {
	if code.IsZero() || !t.registry.Known(code.EPSG) {
		return fmt.Errorf("%w: EPSG:%d", crs.ErrNotFound, code.EPSG)
	}
	return nil
}

func (t *Transformer) apply(from, to int, x, y float64) (x2, y2 float64, err error) {
	f, err := t.pipeline(from, to)
	if err != nil {
		return 0, 0, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform backend: %v", r)
		}
	}()

	x2, y2, _ = f(x, y, 0)
	if !finite(x2) || !finite(y2) {
		return 0, 0, ErrOutOfDomain
	}
	return x2, y2, nil
}

func (t *Transformer) pipeline(from, to int) (f pipeline, err error) {
	key := fmt.Sprintf("%d>%d", from, to)
	if f, ok := t.cache.Get(key); ok {
		return f, nil
	}

	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("building pipeline %s: %v", key, r)
		}
	}()

	f = t.build(from, to)
	if f == nil {
		return nil, fmt.Errorf("building pipeline %s: backend returned no transform", key)
	}
	// two callers may build the same pipeline; the first stored wins
	t.cache.SetIfAbsent(key, f)
	f, _ = t.cache.Get(key)
	return f, nil
}
