package viewstate

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/streetviewlocate/geosync/internal/geo"
)

// URLBuilder writes viewer URLs that open a panorama at a pose.
type URLBuilder struct {
	BaseURL    string
	FOV        float64 // rendered as "<fov>y"
	Heading    float64
	Pitch      float64
	DataSuffix string
}

// Validate checks the base URL and view defaults.
func (b URLBuilder) Validate() error {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return fmt.Errorf("viewer base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("viewer base url %q must be absolute", b.BaseURL)
	}
	if b.FOV <= 0 || b.FOV > 180 {
		return fmt.Errorf("viewer field of view %v out of range", b.FOV)
	}
	if b.Pitch < 0 || b.Pitch > 180 {
		return fmt.Errorf("viewer pitch %v out of range", b.Pitch)
	}
	return nil
}

// Build returns a URL that opens the panorama at pose's position with the
// builder's default field of view, heading and pitch.
func (b URLBuilder) Build(pose geo.GeoPose) string {
	return b.BuildWithView(pose, b.Heading, b.Pitch)
}

// BuildWithView is Build with an explicit heading and pitch.
func (b URLBuilder) BuildWithView(pose geo.GeoPose, heading, pitch float64) string {
	heading = math.Mod(heading, 360)
	if heading < 0 {
		heading += 360
	}
	pitch = math.Max(0, math.Min(180, pitch))

	var sb strings.Builder
	sb.WriteString(b.BaseURL)
	if !strings.HasSuffix(b.BaseURL, "/") {
		sb.WriteByte('/')
	}
	sb.WriteByte('@')
	sb.WriteString(decimal(pose.Latitude))
	sb.WriteByte(',')
	sb.WriteString(decimal(pose.Longitude))
	sb.WriteString(",3a,")
	sb.WriteString(plain(b.FOV))
	sb.WriteString("y,")
	sb.WriteString(plain(heading))
	sb.WriteString("h,")
	sb.WriteString(plain(pitch))
	sb.WriteByte('t')
	if b.DataSuffix != "" {
		sb.WriteByte('/')
		sb.WriteString(strings.TrimPrefix(b.DataSuffix, "/"))
	}
	return sb.String()
}

// decimal always carries a fractional part so the coordinate matches the grammar.
func decimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func plain(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
