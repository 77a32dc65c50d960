package crs

import (
	"errors"
	"fmt"
)

// Definition describes a transverse mercator CRS that the backend does not
// ship with, for example a national grid on GRS80.
type Definition struct {
	Name string `json:"name" mapstructure:"name"`
	EPSG int    `json:"epsg" mapstructure:"epsg"`

	// Spheroid
	SemiMajorAxis     float64 `json:"semiMajorAxis" mapstructure:"semiMajorAxis"`
	InverseFlattening float64 `json:"inverseFlattening" mapstructure:"inverseFlattening"`

	// Projection
	CentralMeridian  float64 `json:"centralMeridian" mapstructure:"centralMeridian"`
	LatitudeOfOrigin float64 `json:"latitudeOfOrigin" mapstructure:"latitudeOfOrigin"`
	ScaleFactor      float64 `json:"scaleFactor" mapstructure:"scaleFactor"`
	FalseEasting     float64 `json:"falseEasting" mapstructure:"falseEasting"`
	FalseNorthing    float64 `json:"falseNorthing" mapstructure:"falseNorthing"`

	// Area of use in degrees. All zero means unbounded.
	MinLon float64 `json:"minLon" mapstructure:"minLon"`
	MinLat float64 `json:"minLat" mapstructure:"minLat"`
	MaxLon float64 `json:"maxLon" mapstructure:"maxLon"`
	MaxLat float64 `json:"maxLat" mapstructure:"maxLat"`
}

// Validate checks that the definition can be turned into a projection.
func (d Definition) Validate() error {
	if normalize(d.Name) == "" {
		return errors.New("custom coordinate system has no name")
	}
	if d.EPSG <= 0 {
		return fmt.Errorf("custom coordinate system %q: invalid EPSG code %d", d.Name, d.EPSG)
	}
	if d.SemiMajorAxis <= 0 || d.InverseFlattening <= 0 {
		return fmt.Errorf("custom coordinate system %q: spheroid parameters must be positive", d.Name)
	}
	if d.ScaleFactor <= 0 {
		return fmt.Errorf("custom coordinate system %q: scale factor must be positive", d.Name)
	}
	if d.MinLon > d.MaxLon || d.MinLat > d.MaxLat {
		return fmt.Errorf("custom coordinate system %q: area of use is inverted", d.Name)
	}
	return nil
}

// Bounded reports whether an area of use was configured.
func (d Definition) Bounded() bool {
	return d.MinLon != 0 || d.MinLat != 0 || d.MaxLon != 0 || d.MaxLat != 0
}

// Contains reports whether lon/lat fall inside the area of use.
func (d Definition) Contains(lon, lat float64) bool {
	if !d.Bounded() {
		return true
	}
	return lon >= d.MinLon && lon <= d.MaxLon && lat >= d.MinLat && lat <= d.MaxLat
}
