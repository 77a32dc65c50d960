// Package crs maps the coordinate system names configured in a host drawing
// to EPSG codes.
package crs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a CRS name has no EPSG mapping.
var ErrNotFound = errors.New("coordinate system not supported")

// EPSG codes used by the built-in table.
const (
	EPSGWGS84       = 4326
	EPSGWebMercator = 3857
	EPSGBritishGrid = 27700
)

// Code is a resolved coordinate reference system.
type Code struct {
	Name string // upper-cased name as configured in the drawing
	EPSG int
}

func (c Code) String() string {
	return fmt.Sprintf("%s (EPSG:%d)", c.Name, c.EPSG)
}

// IsZero reports whether c is the zero Code.
func (c Code) IsZero() bool {
	return c.EPSG == 0
}

// builtin holds the names engineering drawings carry in their geolocation settings.
var builtin = map[string]int{
	"UTM84-40N":             32640,
	"UTM84-41N":             32641,
	"UTM84-42N":             32642,
	"UTM84-43N":             32643,
	"UTM84-44N":             32644,
	"UTM84-45N":             32645,
	"WGS84":                 EPSGWGS84,
	"BRITISHNATGRID":        EPSGBritishGrid,
	"OSGB1936.NATIONALGRID": EPSGBritishGrid,
	"WEBMERCATOR":           EPSGWebMercator,
}

// Registry is a read-only name to EPSG table. It is safe for concurrent use
// once constructed.
type Registry struct {
	codes       map[string]int
	definitions map[int]Definition
}

// NewRegistry creates a registry holding the built-in table plus any custom
// definitions. A custom definition may not shadow a built-in name.
func NewRegistry(custom ...Definition) (*Registry, error) {
	r := &Registry{
		codes:       make(map[string]int, len(builtin)+len(custom)),
		definitions: make(map[int]Definition, len(custom)),
	}
	for name, code := range builtin {
		r.codes[name] = code
	}

	for _, d := range custom {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		name := normalize(d.Name)
		if _, ok := r.codes[name]; ok {
			return nil, fmt.Errorf("custom coordinate system %q already defined", name)
		}
		r.codes[name] = d.EPSG
		r.definitions[d.EPSG] = d
	}

	return r, nil
}

// Resolve looks up a CRS name. Comparison ignores case and surrounding space.
func (r *Registry) Resolve(name string) (Code, error) {
	key := normalize(name)
	if key == "" {
		return Code{}, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	epsg, ok := r.codes[key]
	if !ok {
		return Code{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return Code{Name: key, EPSG: epsg}, nil
}

// Known reports whether an EPSG code is reachable through any name in the table.
func (r *Registry) Known(epsg int) bool {
	for _, c := range r.codes {
		if c == epsg {
			return true
		}
	}
	return false
}

// Codes returns every entry sorted by name.
func (r *Registry) Codes() []Code {
	out := make([]Code, 0, len(r.codes))
	for name, epsg := range r.codes {
		out = append(out, Code{Name: name, EPSG: epsg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the custom projections that need registering with the
// transform backend.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.definitions))
	for _, d := range r.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EPSG < out[j].EPSG })
	return out
}

func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
