// Package viewstate reads and writes the camera pose carried in a panorama
// viewer URL.
//
// The accepted grammar is
//
//	@<lat>,<lon>,3a,<segments>,<heading>h,<pitch>t
//
// where lat and lon are signed decimals with a fractional part, 3a marks a
// panorama view, heading and pitch are unsigned decimals, and the segments in
// between contain no 'h'. The first match anywhere in the string wins.
package viewstate

import (
	"math"
	"regexp"
	"strconv"

	"github.com/streetviewlocate/geosync/internal/geo"
)

var poseExpr = regexp.MustCompile(`@(-?\d+\.\d+),(-?\d+\.\d+),3a,[^h]*?([0-9.]+)h,([0-9.]+)t`)

// Parse extracts the camera pose from a viewer URL. The boolean is false when
// the URL does not carry a pose; the returned pose must not be used then.
func Parse(raw string) (geo.GeoPose, bool) {
	m := poseExpr.FindStringSubmatch(raw)
	if m == nil {
		return geo.GeoPose{}, false
	}

	var values [4]float64
	for i := range values {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return geo.GeoPose{}, false
		}
		values[i] = v
	}

	pose := geo.GeoPose{
		Latitude:  values[0],
		Longitude: values[1],
		Heading:   values[2],
		Pitch:     values[3],
	}
	if !pose.Valid() {
		return geo.GeoPose{}, false
	}
	return pose, true
}
