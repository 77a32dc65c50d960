package viewstate

import (
	"testing"

	"github.com/streetviewlocate/geosync/internal/geo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultBuilder() URLBuilder {
	return URLBuilder{
		BaseURL:    "https://www.google.com/maps/",
		FOV:        75,
		Heading:    45,
		Pitch:      90,
		DataSuffix: "data=!3m1!1e1",
	}
}

func TestBuild_Format(t *testing.T) {
	got := defaultBuilder().Build(geo.GeoPose{Latitude: 51.5007292, Longitude: -0.1246254})
	assert.Equal(t, "https://www.google.com/maps/@51.5007292,-0.1246254,3a,75y,45h,90t/data=!3m1!1e1", got)
}

func TestBuild_IntegralCoordinatesKeepDecimalPoint(t *testing.T) {
	got := defaultBuilder().Build(geo.GeoPose{Latitude: 51, Longitude: 0})
	assert.Equal(t, "https://www.google.com/maps/@51.0,0.0,3a,75y,45h,90t/data=!3m1!1e1", got)
}

func TestBuild_BaseWithoutTrailingSlashAndNoSuffix(t *testing.T) {
	b := defaultBuilder()
	b.BaseURL = "https://maps.example"
	b.DataSuffix = ""

	got := b.Build(geo.GeoPose{Latitude: 1.5, Longitude: 2.5})
	assert.Equal(t, "https://maps.example/@1.5,2.5,3a,75y,45h,90t", got)
}

func TestBuildWithView_NormalizesHeadingAndPitch(t *testing.T) {
	got := defaultBuilder().BuildWithView(geo.GeoPose{Latitude: 1.5, Longitude: 2.5}, -90, 200)
	assert.Contains(t, got, ",270h,180t")
}

func TestBuild_ParsesBack(t *testing.T) {
	poses := []geo.GeoPose{
		{Latitude: 37.8199, Longitude: -122.4783},
		{Latitude: -33.8568, Longitude: 151.2153},
		{Latitude: 0, Longitude: 0},
		{Latitude: 24.4539, Longitude: 54.3773},
	}

	for _, p := range poses {
		url := defaultBuilder().Build(p)
		back, ok := Parse(url)
		require.True(t, ok, url)
		assert.Equal(t, p.Latitude, back.Latitude)
		assert.Equal(t, p.Longitude, back.Longitude)
		assert.Equal(t, 45.0, back.Heading)
		assert.Equal(t, 90.0, back.Pitch)
	}
}

func TestURLBuilder_Validate(t *testing.T) {
	require.NoError(t, defaultBuilder().Validate())

	tests := []struct {
		name   string
		mutate func(b *URLBuilder)
	}{
		{"relative base", func(b *URLBuilder) { b.BaseURL = "/maps/" }},
		{"bad base", func(b *URLBuilder) { b.BaseURL = "://nope" }},
		{"zero fov", func(b *URLBuilder) { b.FOV = 0 }},
		{"pitch too high", func(b *URLBuilder) { b.Pitch = 181 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := defaultBuilder()
			tt.mutate(&b)
			assert.Error(t, b.Validate())
		})
	}
}
