package bridge

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/streetviewlocate/geosync/internal/crs"
	"github.com/streetviewlocate/geosync/internal/dispatcher"
	"github.com/streetviewlocate/geosync/internal/document"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/marker"
	"github.com/streetviewlocate/geosync/internal/session"
	"github.com/streetviewlocate/geosync/internal/telemetry"
	"github.com/streetviewlocate/geosync/internal/viewer"
	"github.com/streetviewlocate/geosync/internal/viewstate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDoc counts the mutating calls that reach the drawing.
type countingDoc struct {
	*document.Memory
	mu      sync.Mutex
	creates int
	moves   int
	deletes int
}

func (d *countingDoc) CreateMarker(ctx context.Context, p geo.ProjectedPoint, rotation float64) (marker.Handle, error) {
	d.mu.Lock()
	d.creates++
	d.mu.Unlock()
	return d.Memory.CreateMarker(ctx, p, rotation)
}

func (d *countingDoc) ReplaceAllMarkers(ctx context.Context, p geo.ProjectedPoint, rotation float64) (marker.Handle, int, error) {
	d.mu.Lock()
	d.creates++
	d.mu.Unlock()
	return d.Memory.ReplaceAllMarkers(ctx, p, rotation)
}

func (d *countingDoc) MoveMarker(ctx context.Context, h marker.Handle, p geo.ProjectedPoint, rotation float64) error {
	d.mu.Lock()
	d.moves++
	d.mu.Unlock()
	return d.Memory.MoveMarker(ctx, h, p, rotation)
}

func (d *countingDoc) DeleteMarker(ctx context.Context, h marker.Handle) error {
	d.mu.Lock()
	d.deletes++
	d.mu.Unlock()
	return d.Memory.DeleteMarker(ctx, h)
}

func (d *countingDoc) mutations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates + d.moves + d.deletes
}

type recordingSink struct {
	mu      sync.Mutex
	samples []telemetry.Sample
}

func (s *recordingSink) RecordPose(ctx context.Context, sample telemetry.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

type fixedPicker struct {
	point geo.ProjectedPoint
	ok    bool
	err   error
	calls int
}

func (p *fixedPicker) PickPoint(ctx context.Context, prompt string) (geo.ProjectedPoint, bool, error) {
	p.calls++
	return p.point, p.ok, p.err
}

var urls = viewstate.URLBuilder{
	BaseURL:    "https://www.google.com/maps/",
	FOV:        75,
	Heading:    45,
	Pitch:      90,
	DataSuffix: "data=!3m1!1e1",
}

type fixture struct {
	bridge      *Bridge
	doc         *countingDoc
	sessions    *session.Context
	session     *session.Session
	transformer *geo.Transformer
	registry    *crs.Registry
	sink        *recordingSink
}

func newFixture(t *testing.T, crsName string) *fixture {
	t.Helper()
	registry, err := crs.NewRegistry()
	require.NoError(t, err)
	transformer := geo.NewTransformer(registry)

	doc := &countingDoc{Memory: document.NewMemory("site.dwg", crsName, document.Template{BlockName: "streetViewLocate_block"})}
	sessions := session.NewContext()
	s := session.New(doc, nil)
	sessions.Start(s)

	sink := &recordingSink{}
	return &fixture{
		bridge:      New(registry, transformer, urls, sessions, WithPoseSink(sink)),
		doc:         doc,
		sessions:    sessions,
		session:     s,
		transformer: transformer,
		registry:    registry,
		sink:        sink,
	}
}

func (f *fixture) markers(t *testing.T) []document.Record {
	t.Helper()
	recs, err := f.doc.Markers(context.Background())
	require.NoError(t, err)
	return recs
}

const delhiURL = "https://www.google.com/maps/@28.6139,77.209,3a,75y,210.5h,88.2t/data=!3m6!1e1"

func TestOnViewerNavigated_PlacesMarker(t *testing.T) {
	f := newFixture(t, "UTM84-43N")

	require.NoError(t, f.bridge.OnViewerNavigated(context.Background(), delhiURL))

	code, err := f.registry.Resolve("UTM84-43N")
	require.NoError(t, err)
	want, err := f.transformer.ToProjected(geo.GeoPose{Latitude: 28.6139, Longitude: 77.209}, code)
	require.NoError(t, err)

	recs := f.markers(t)
	require.Len(t, recs, 1)
	assert.InDelta(t, want.Easting, recs[0].Point.Easting, 1e-6)
	assert.InDelta(t, want.Northing, recs[0].Point.Northing, 1e-6)
	assert.InDelta(t, (360-210.5)*math.Pi/180, recs[0].Rotation, 1e-12)

	require.Len(t, f.sink.samples, 1)
	assert.Equal(t, telemetry.SourceViewer, f.sink.samples[0].Source)
	assert.Equal(t, "UTM84-43N", f.sink.samples[0].CRS)
	assert.Equal(t, f.session.ID.String(), f.sink.samples[0].Session)
}

func TestOnViewerNavigated_Idempotent(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	ctx := context.Background()

	require.NoError(t, f.bridge.OnViewerNavigated(ctx, delhiURL))
	before := f.doc.mutations()
	require.NoError(t, f.bridge.OnViewerNavigated(ctx, delhiURL))

	assert.Equal(t, before, f.doc.mutations())
	assert.Len(t, f.markers(t), 1)
}

func TestOnViewerNavigated_HeadingChangeMoves(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	ctx := context.Background()

	require.NoError(t, f.bridge.OnViewerNavigated(ctx, delhiURL))
	require.NoError(t, f.bridge.OnViewerNavigated(ctx, "https://www.google.com/maps/@28.6139,77.209,3a,75y,90h,88.2t"))

	assert.Equal(t, 1, f.doc.creates)
	assert.Equal(t, 1, f.doc.moves)
	recs := f.markers(t)
	require.Len(t, recs, 1)
	assert.InDelta(t, 3*math.Pi/2, recs[0].Rotation, 1e-12)
}

func TestOnViewerNavigated_ParseMissIsSilent(t *testing.T) {
	f := newFixture(t, "UTM84-43N")

	for _, url := range []string{
		"https://example.com/",
		"https://maps.example/@0,0,0a,75y,0h,90t/...",
		"",
	} {
		require.NoError(t, f.bridge.OnViewerNavigated(context.Background(), url))
	}
	assert.Equal(t, 0, f.doc.mutations())
	assert.Empty(t, f.sink.samples)
}

func TestOnViewerNavigated_NoSessionIsSilent(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	f.sessions.End()

	require.NoError(t, f.bridge.OnViewerNavigated(context.Background(), delhiURL))
	assert.Equal(t, 0, f.doc.mutations())
}

func TestOnViewerNavigated_MissingCRS(t *testing.T) {
	f := newFixture(t, "")

	err := f.bridge.OnViewerNavigated(context.Background(), delhiURL)
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, ErrNoCRS)
	assert.Equal(t, 0, f.doc.mutations())
}

func TestOnViewerNavigated_UnsupportedCRS(t *testing.T) {
	f := newFixture(t, "EPSG:9999")

	err := f.bridge.OnViewerNavigated(context.Background(), delhiURL)
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, crs.ErrNotFound)
	assert.Contains(t, err.Error(), "EPSG:9999")
	assert.Equal(t, 0, f.doc.mutations())
	assert.Equal(t, 0, f.transformer.CachedPipelines(), "no transform may be attempted")
}

func TestOnViewerNavigated_CRSNameIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, "utm84-43n")

	require.NoError(t, f.bridge.OnViewerNavigated(context.Background(), delhiURL))
	assert.Len(t, f.markers(t), 1)
}

func TestOnDrawingPointPicked(t *testing.T) {
	f := newFixture(t, "BRITISHNATGRID")
	ctx := context.Background()
	picked := geo.ProjectedPoint{Easting: 530000, Northing: 180000}

	// a marker left from viewer tracking
	require.NoError(t, f.bridge.OnViewerNavigated(ctx, "https://www.google.com/maps/@51.5,-0.12,3a,75y,10h,90t"))

	url, err := f.bridge.OnDrawingPointPicked(ctx, picked)
	require.NoError(t, err)

	pose, ok := viewstate.Parse(url)
	require.True(t, ok, "built URL must parse: %s", url)
	assert.Equal(t, 45.0, pose.Heading)
	assert.Equal(t, 90.0, pose.Pitch)
	assert.InDelta(t, 51.5, pose.Latitude, 0.05)
	assert.InDelta(t, -0.12, pose.Longitude, 0.05)

	recs := f.markers(t)
	require.Len(t, recs, 1)
	assert.Equal(t, picked, recs[0].Point)
	assert.Equal(t, 0.0, recs[0].Rotation)
	assert.Equal(t, 2, f.doc.creates, "pick replaces instead of moving")

	last := f.sink.samples[len(f.sink.samples)-1]
	assert.Equal(t, telemetry.SourcePick, last.Source)
}

func TestOnDrawingPointPicked_TransformErrorKeepsMarker(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	ctx := context.Background()

	require.NoError(t, f.bridge.OnViewerNavigated(ctx, delhiURL))
	before := f.markers(t)

	url, err := f.bridge.OnDrawingPointPicked(ctx, geo.ProjectedPoint{Easting: math.NaN(), Northing: 0})
	require.Error(t, err)
	assert.Empty(t, url)

	var te *geo.TransformError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, before, f.markers(t))
}

func TestOnDrawingPointPicked_NoSession(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	f.sessions.End()

	url, err := f.bridge.OnDrawingPointPicked(context.Background(), geo.ProjectedPoint{Easting: 500000, Northing: 3000000})
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestPickAndNavigate(t *testing.T) {
	f := newFixture(t, "WEBMERCATOR")
	v := viewer.NewScripted(false)
	picker := &fixedPicker{point: geo.ProjectedPoint{Easting: -13627361, Northing: 4548863}, ok: true}

	require.NoError(t, f.bridge.PickAndNavigate(context.Background(), picker, v))

	require.Len(t, v.History(), 1)
	pose, ok := viewstate.Parse(v.History()[0])
	require.True(t, ok)
	assert.InDelta(t, -122.4166, pose.Longitude, 1e-3)
	assert.Len(t, f.markers(t), 1)
}

func TestPickAndNavigate_Cancelled(t *testing.T) {
	f := newFixture(t, "WEBMERCATOR")
	ctx := context.Background()
	v := viewer.NewScripted(false)

	require.NoError(t, f.bridge.OnViewerNavigated(ctx, "https://maps.example/@37.8199,-122.4783,3a,75y,210.5h,88.2t/data=..."))
	before := f.doc.mutations()

	require.NoError(t, f.bridge.PickAndNavigate(ctx, &fixedPicker{ok: false}, v))

	assert.Empty(t, v.History())
	assert.Equal(t, before, f.doc.mutations())
	assert.Len(t, f.markers(t), 1)
}

func TestPickAndNavigate_PickerError(t *testing.T) {
	f := newFixture(t, "WEBMERCATOR")
	v := viewer.NewScripted(false)

	err := f.bridge.PickAndNavigate(context.Background(), &fixedPicker{err: errors.New("editor busy")}, v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "editor busy")
	assert.Empty(t, v.History())
}

func TestPickAndNavigate_NoSessionDoesNotPrompt(t *testing.T) {
	f := newFixture(t, "WEBMERCATOR")
	f.sessions.End()
	picker := &fixedPicker{ok: true}

	require.NoError(t, f.bridge.PickAndNavigate(context.Background(), picker, viewer.NewScripted(false)))
	assert.Equal(t, 0, picker.calls)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	ctx := context.Background()

	require.NoError(t, f.bridge.OnViewerNavigated(ctx, delhiURL))
	require.NoError(t, f.bridge.EndSession(ctx))

	assert.Empty(t, f.markers(t))
	assert.Equal(t, marker.Absent, f.session.Markers.State())
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func TestAttach_FeedbackLoopSettles(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	ctx := context.Background()

	d, err := dispatcher.New(nopLogger{}, 16)
	require.NoError(t, err)

	v := viewer.NewScripted(true)
	detach := f.bridge.Attach(ctx, v, d)

	// the viewer reports the user panning around
	v.Emit(delhiURL)
	v.Wait()
	v.Emit(delhiURL)
	v.Wait()

	// then the user picks a point; the viewer echoes the navigation back
	picked := geo.ProjectedPoint{Easting: 715000, Northing: 3166000}
	require.NoError(t, f.bridge.PickAndNavigate(ctx, &fixedPicker{point: picked, ok: true}, v))

	v.Wait()
	d.Close()
	detach()

	recs := f.markers(t)
	require.Len(t, recs, 1)
	assert.InDelta(t, picked.Easting, recs[0].Point.Easting, 1e-3)
	assert.InDelta(t, picked.Northing, recs[0].Point.Northing, 1e-3)
	assert.InDelta(t, geo.HeadingToRotation(45), recs[0].Rotation, 1e-12)

	// create, skip, delete+create on pick, one move for the echoed heading
	assert.Equal(t, 2, f.doc.creates)
	assert.Equal(t, 1, f.doc.moves)
}

func TestAttach_EndSessionRunsOnLoop(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	ctx := context.Background()

	d, err := dispatcher.New(nopLogger{}, 16)
	require.NoError(t, err)
	defer d.Close()

	v := viewer.NewScripted(false)
	f.bridge.Attach(ctx, v, d)

	_, err = d.Dispatch(dispatcher.Event{Command: CommandViewerNavigated, Args: []string{delhiURL}})
	require.NoError(t, err)
	require.Len(t, f.markers(t), 1)

	require.NoError(t, f.bridge.EndSession(ctx))
	assert.Empty(t, f.markers(t))
}

// gatedSink holds every sample until release is closed.
type gatedSink struct {
	recordingSink
	release chan struct{}
}

func (s *gatedSink) RecordPose(ctx context.Context, sample telemetry.Sample) error {
	<-s.release
	return s.recordingSink.RecordPose(ctx, sample)
}

func (s *gatedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func TestAttach_SlowSinkDoesNotStallMarker(t *testing.T) {
	f := newFixture(t, "UTM84-43N")
	ctx := context.Background()
	sink := &gatedSink{release: make(chan struct{})}
	f.bridge = New(f.registry, f.transformer, urls, f.sessions, WithPoseSink(sink))

	d, err := dispatcher.New(nopLogger{}, 16)
	require.NoError(t, err)

	f.bridge.Attach(ctx, viewer.NewScripted(false), d)

	_, err = d.Dispatch(dispatcher.Event{Command: CommandViewerNavigated, Args: []string{delhiURL}})
	require.NoError(t, err)
	_, err = d.Dispatch(dispatcher.Event{
		Command: CommandViewerNavigated,
		Args:    []string{"https://www.google.com/maps/@28.6139,77.209,3a,75y,90h,88.2t"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.doc.creates)
	assert.Equal(t, 1, f.doc.moves)
	assert.Equal(t, 0, sink.count())

	close(sink.release)
	d.Close()
	assert.Equal(t, 2, sink.count(), "queued samples are delivered on close")
}

func TestConfigurationError(t *testing.T) {
	err := &ConfigurationError{Reason: "marker template missing", Err: document.ErrTemplateMissing}
	assert.Equal(t, "marker template missing: marker template not found", err.Error())
	assert.ErrorIs(t, err, document.ErrTemplateMissing)

	assert.Equal(t, "bare", (&ConfigurationError{Reason: "bare"}).Error())
}
