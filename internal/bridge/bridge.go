// Package bridge connects the panorama viewer to the drawing: viewer
// navigations move the marker, and picked drawing points move the viewer.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streetviewlocate/geosync/internal/crs"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/session"
	"github.com/streetviewlocate/geosync/internal/telemetry"
	"github.com/streetviewlocate/geosync/internal/viewstate"
)

// PoseSink receives every pose applied to a marker.
type PoseSink interface {
	RecordPose(ctx context.Context, s telemetry.Sample) error
}

// Picker asks the user for a point in the drawing. ok is false when the
// user cancelled.
type Picker interface {
	PickPoint(ctx context.Context, prompt string) (p geo.ProjectedPoint, ok bool, err error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithPoseSink records every applied pose. It may be given more than once.
func WithPoseSink(s PoseSink) Option {
	return func(b *Bridge) {
		b.sinks = append(b.sinks, s)
	}
}

// Bridge orchestrates parsing, transformation and marker updates. Its
// marker-mutating methods must be called from the goroutine that owns
// document mutations; Attach arranges that for viewer events.
type Bridge struct {
	registry    *crs.Registry
	transformer *geo.Transformer
	urls        viewstate.URLBuilder
	sessions    session.Provider
	sinks       []PoseSink
	logger      *slog.Logger

	loop *attachment
}

// New creates a Bridge.
func New(registry *crs.Registry, transformer *geo.Transformer, urls viewstate.URLBuilder, sessions session.Provider, opts ...Option) *Bridge {
	b := &Bridge{
		registry:    registry,
		transformer: transformer,
		urls:        urls,
		sessions:    sessions,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnViewerNavigated moves the marker to the pose carried by rawURL. URLs
// without a pose and calls without an active session do nothing.
func (b *Bridge) OnViewerNavigated(ctx context.Context, rawURL string) error {
	pose, ok := viewstate.Parse(rawURL)
	if !ok {
		b.logger.Debug("Viewer URL carries no pose", "url", rawURL)
		return nil
	}

	s, ok := b.active()
	if !ok {
		return nil
	}

	code, err := b.resolve(s)
	if err != nil {
		return err
	}

	point, err := b.transformer.ToProjected(pose, code)
	if err != nil {
		return err
	}
	rotation := geo.HeadingToRotation(pose.Heading)

	if err := s.Markers.Ensure(ctx, point, rotation); err != nil {
		return fmt.Errorf("updating marker: %w", err)
	}

	b.logger.Debug("Marker follows viewer", "pose", pose.String(), "point", point.String(), "rotation", rotation)
	b.record(ctx, s, code, telemetry.SourceViewer, pose, point, rotation)
	return nil
}

// OnDrawingPointPicked re-anchors the marker at point and returns the viewer
// URL for that location. It returns "" without an active session.
func (b *Bridge) OnDrawingPointPicked(ctx context.Context, point geo.ProjectedPoint) (string, error) {
	s, ok := b.active()
	if !ok {
		return "", nil
	}

	code, err := b.resolve(s)
	if err != nil {
		return "", err
	}

	pose, err := b.transformer.ToGeographic(point, code)
	if err != nil {
		return "", err
	}
	pose.Heading = b.urls.Heading
	pose.Pitch = b.urls.Pitch
	url := b.urls.Build(pose)

	if err := s.Markers.Replace(ctx, point, 0); err != nil {
		return "", fmt.Errorf("replacing marker: %w", err)
	}

	b.logger.Info("Marker placed at picked point", "point", point.String(), "pose", pose.String())
	b.record(ctx, s, code, telemetry.SourcePick, pose, point, 0)
	return url, nil
}

// PickAndNavigate asks picker for a point, re-anchors the marker there and
// sends the viewer to it. A cancelled pick changes nothing. When the bridge
// is attached to a dispatcher the marker update runs on its mutation loop.
func (b *Bridge) PickAndNavigate(ctx context.Context, picker Picker, v Navigator) error {
	if _, ok := b.active(); !ok {
		return nil
	}

	point, ok, err := picker.PickPoint(ctx, "Select a point")
	if err != nil {
		return fmt.Errorf("picking point: %w", err)
	}
	if !ok {
		b.logger.Info("No point selected")
		return nil
	}

	var url string
	if b.loop != nil {
		url, err = b.loop.pick(point)
	} else {
		url, err = b.OnDrawingPointPicked(ctx, point)
	}
	if err != nil {
		return err
	}
	if url == "" {
		return nil
	}

	v.Navigate(url)
	return nil
}

// EndSession removes the marker of the active session, as when the
// synchronization panel is hidden.
func (b *Bridge) EndSession(ctx context.Context) error {
	if b.loop != nil {
		return b.loop.end()
	}
	return b.clear(ctx)
}

func (b *Bridge) clear(ctx context.Context) error {
	s, ok := b.active()
	if !ok {
		return nil
	}
	if err := s.Markers.Clear(ctx); err != nil {
		return fmt.Errorf("clearing marker: %w", err)
	}
	b.logger.Info("Session ended", "duration", time.Since(s.Started).Round(time.Second))
	return nil
}

// active returns the current session. A missing session is not an error for
// callers: the supervising layer only drives an active one.
func (b *Bridge) active() (*session.Session, bool) {
	s, err := b.sessions.Active()
	if err != nil {
		if !errors.Is(err, session.ErrNoActiveSession) {
			b.logger.Error("Failed to get active session", "error", err)
		} else {
			b.logger.Debug("No active session, ignoring")
		}
		return nil, false
	}
	return s, true
}

func (b *Bridge) resolve(s *session.Session) (crs.Code, error) {
	name := s.Document.CRSName()
	if name == "" {
		return crs.Code{}, &ConfigurationError{
			Reason: "set a coordinate system on the drawing's geolocation",
			Err:    ErrNoCRS,
		}
	}
	code, err := b.registry.Resolve(name)
	if err != nil {
		return crs.Code{}, &ConfigurationError{
			Reason: fmt.Sprintf("coordinate system %q is not supported", name),
			Err:    err,
		}
	}
	return code, nil
}

func (b *Bridge) record(ctx context.Context, s *session.Session, code crs.Code, source string, pose geo.GeoPose, point geo.ProjectedPoint, rotation float64) {
	if len(b.sinks) == 0 {
		return
	}
	sample := telemetry.Sample{
		Session:  s.ID.String(),
		Document: s.Document.ID(),
		CRS:      code.Name,
		Source:   source,
		Pose:     pose,
		Point:    point,
		Rotation: rotation,
		Time:     time.Now(),
	}
	if b.loop != nil {
		if err := b.loop.record(sample); err != nil {
			b.logger.Warn("Dropped pose sample", "error", err)
		}
		return
	}
	b.fanOut(ctx, sample)
}

func (b *Bridge) fanOut(ctx context.Context, sample telemetry.Sample) {
	for _, sink := range b.sinks {
		if err := sink.RecordPose(ctx, sample); err != nil {
			b.logger.Warn("Failed to record pose", "error", err)
		}
	}
}
