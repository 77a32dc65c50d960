package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	ws "github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/viper"
	"github.com/streetviewlocate/geosync/internal/bridge"
	"github.com/streetviewlocate/geosync/internal/document"
	"github.com/streetviewlocate/geosync/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const delhiURL = "https://www.google.com/maps/@28.6139,77.209,3a,75y,210.5h,88.2t/data=!3m6!1e1"

// workspace writes a config file and marker template into a temp dir.
func workspace(t *testing.T, docType string, extra ...map[string]any) string {
	t.Helper()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	template := filepath.Join(dir, "streetViewLocate_block.dwg")
	require.NoError(t, os.WriteFile(template, []byte("block"), 0644))

	cfg := map[string]any{
		"logLevel": "debug",
		"logsDir":  filepath.Join(dir, "logs"),
		"marker":   map[string]any{"templatePath": template},
		"document": map[string]any{
			"type": docType,
			"path": filepath.Join(dir, "drawing.db"),
			"id":   "dwg-1",
			"crs":  "UTM84-43N",
		},
		"crs": map[string]any{
			"custom": []map[string]any{{
				"name":              "KOREA-CENTRAL",
				"epsg":              5186,
				"semiMajorAxis":     6378137,
				"inverseFlattening": 298.257222101,
				"centralMeridian":   127,
				"latitudeOfOrigin":  38,
				"scaleFactor":       1,
				"falseEasting":      200000,
				"falseNorthing":     600000,
			}},
		},
	}
	for _, e := range extra {
		for k, v := range e {
			cfg[k] = v
		}
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geosync.cfg.json"), data, 0644))
	return dir
}

func run(t *testing.T, dir string, stdin string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()

	var out bytes.Buffer
	cmd := NewCmd()
	cmd.SetArgs(append([]string{"--config-dir", dir}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCRSList(t *testing.T) {
	dir := workspace(t, "memory")

	out, err := run(t, dir, "", "crs", "list")
	require.NoError(t, err)

	assert.Contains(t, out, "UTM84-43N")
	assert.Contains(t, out, "32643")
	assert.Contains(t, out, "BRITISHNATGRID")
	assert.Contains(t, out, "KOREA-CENTRAL")
	assert.Contains(t, out, "custom")
}

func TestLocate(t *testing.T) {
	dir := workspace(t, "memory")

	out, err := run(t, dir, "", "locate", delhiURL)
	require.NoError(t, err)

	assert.Contains(t, out, "streetViewLocate_block")
	assert.Contains(t, out, "dwg-1")
	assert.Contains(t, out, "149.50°")
}

func TestLocate_RejectsNonPanoramaURL(t *testing.T) {
	dir := workspace(t, "memory")

	_, err := run(t, dir, "", "locate", "https://example.com/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not describe a panorama view")
}

func TestLocate_UnsupportedCRSIsConfigurationError(t *testing.T) {
	dir := workspace(t, "memory")

	_, err := run(t, dir, "", "--crs", "MARS-1", "locate", delhiURL)
	require.Error(t, err)

	var ce *bridge.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "MARS-1")
}

func TestMissingTemplateIsConfigurationError(t *testing.T) {
	dir := workspace(t, "memory")

	_, err := run(t, dir, "", "--template", filepath.Join(dir, "missing.dwg"), "locate", delhiURL)
	require.Error(t, err)

	var ce *bridge.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.True(t, errors.Is(err, document.ErrTemplateMissing))
}

func TestPick(t *testing.T) {
	dir := workspace(t, "memory")

	out, err := run(t, dir, "", "pick", "500000,3000000")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "https://www.google.com/maps/@27."), out)
	assert.Regexp(t, `@27\.\d+,7[45]\.\d+,3a,75y,45h,90t`, out)
}

func TestPick_InvalidPoint(t *testing.T) {
	dir := workspace(t, "memory")

	_, err := run(t, dir, "", "pick", "north")
	require.Error(t, err)
}

func TestPickThenExport_SQLite(t *testing.T) {
	dir := workspace(t, "sqlite")

	_, err := run(t, dir, "", "pick", "500000,3000000")
	require.NoError(t, err)

	path := filepath.Join(dir, "markers.geojson")
	_, err = run(t, dir, "", "export", "--out", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)

	require.Len(t, fc.Features, 1)
	pt, ok := fc.Features[0].Geometry.(orb.Point)
	require.True(t, ok)
	assert.InDelta(t, 75, pt.Lon(), 1e-6)
	assert.Equal(t, "dwg-1", fc.Features[0].Properties["document"])
	assert.Equal(t, "UTM84-43N", fc.Features[0].Properties["crs"])
}

func TestExport_Stdout(t *testing.T) {
	dir := workspace(t, "memory")

	out, err := run(t, dir, "", "export")
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection([]byte(out))
	require.NoError(t, err)
	assert.Empty(t, fc.Features)
}

func TestSession_Script(t *testing.T) {
	dir := workspace(t, "memory")

	script := strings.Join([]string{
		"# user walks down the road",
		delhiURL,
		"navigate https://www.google.com/maps/@28.6140,77.2091,3a,75y,200h,88.2t",
		"",
		"cancel",
		"pick 500000,3000000",
	}, "\n")

	out, err := run(t, dir, script, "session")
	require.NoError(t, err)

	// only the pick sends the viewer somewhere
	assert.Equal(t, 1, strings.Count(out, "navigated "))
	assert.Contains(t, out, "navigated https://www.google.com/maps/@27.")
	// the echoed navigation turns the marker to the default heading
	assert.Contains(t, out, "315.00°")
}

func TestSession_EndRemovesMarker(t *testing.T) {
	dir := workspace(t, "memory")

	out, err := run(t, dir, delhiURL+"\nend\n", "session")
	require.NoError(t, err)
	assert.NotContains(t, out, "streetViewLocate_block")
}

func TestSession_ScriptFile(t *testing.T) {
	dir := workspace(t, "memory")
	script := filepath.Join(dir, "walk.txt")
	require.NoError(t, os.WriteFile(script, []byte(delhiURL+"\n"), 0644))

	out, err := run(t, dir, "", "session", "--script", script)
	require.NoError(t, err)
	assert.Contains(t, out, "streetViewLocate_block")
}

func TestSession_BadPickLine(t *testing.T) {
	dir := workspace(t, "memory")

	_, err := run(t, dir, "pick nowhere\n", "session")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := t.TempDir()

	out, err := run(t, dir, "", "--console", "crs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "WEBMERCATOR")
}

func TestExport_Publish(t *testing.T) {
	var uploads int
	var document string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/layers/add" {
			uploads++
			document = r.FormValue("document")
			_, _ = w.Write([]byte(`{"id":"layer-7"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dir := workspace(t, "sqlite", map[string]any{
		"publish": map[string]any{"url": server.URL, "apiKey": "k"},
	})
	_, err := run(t, dir, "", "pick", "500000,3000000")
	require.NoError(t, err)

	out, err := run(t, dir, "", "export", "--out", filepath.Join(dir, "markers.geojson"), "--publish")
	require.NoError(t, err)
	assert.Equal(t, 1, uploads)
	assert.Equal(t, "dwg-1", document)
	assert.Contains(t, out, "published layer layer-7")
	assert.FileExists(t, filepath.Join(dir, "markers.geojson"))

	// without --out the layer is only uploaded
	out, err = run(t, dir, "", "export", "--publish")
	require.NoError(t, err)
	assert.Equal(t, 2, uploads)
	assert.Contains(t, out, "published layer layer-7")
	assert.NotContains(t, out, "FeatureCollection")
}

func TestExport_PublishWithoutURL(t *testing.T) {
	dir := workspace(t, "memory")

	_, err := run(t, dir, "", "export", "--out", filepath.Join(dir, "m.geojson"), "--publish")
	var ce *bridge.ConfigurationError
	require.True(t, errors.As(err, &ce))
}

func TestLocate_StreamsPose(t *testing.T) {
	var mu sync.Mutex
	var types []string
	upgrader := ws.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env stream.Envelope
			if json.Unmarshal(raw, &env) != nil {
				continue
			}
			mu.Lock()
			types = append(types, env.Type)
			mu.Unlock()
			if env.Type != stream.TypePose {
				reply, _ := json.Marshal(stream.AckMessage{Type: stream.TypeAck, For: env.Type})
				if c.WriteMessage(ws.TextMessage, reply) != nil {
					return
				}
			}
		}
	}))
	defer server.Close()

	dir := workspace(t, "memory", map[string]any{
		"stream": map[string]any{"enabled": true, "url": "ws" + strings.TrimPrefix(server.URL, "http")},
	})
	_, err := run(t, dir, "", "locate", delhiURL)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{stream.TypeStartSession, stream.TypePose, stream.TypeEndSession}, types)
}

func TestLocate_StreamUnreachableStillPlacesMarker(t *testing.T) {
	dir := workspace(t, "memory", map[string]any{
		"stream": map[string]any{"enabled": true, "url": "ws://127.0.0.1:1/poses"},
	})
	out, err := run(t, dir, "", "locate", delhiURL)
	require.NoError(t, err)
	assert.Contains(t, out, "streetViewLocate_block")
}
