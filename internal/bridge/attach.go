package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streetviewlocate/geosync/internal/dispatcher"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/telemetry"
	"github.com/streetviewlocate/geosync/internal/viewer"
)

// Commands registered on the dispatcher by Attach.
const (
	CommandViewerNavigated = "viewer.navigated"
	CommandPointPicked     = "drawing.picked"
	CommandEndSession      = "session.end"
	CommandPoseApplied     = "pose.applied"
)

// poseQueueSize bounds the samples waiting for slow sinks.
const poseQueueSize = 256

// Navigator is the part of a viewer PickAndNavigate needs.
type Navigator interface {
	Navigate(url string)
}

type attachment struct {
	d *dispatcher.Dispatcher
}

func (a *attachment) pick(p geo.ProjectedPoint) (string, error) {
	result, err := a.d.Dispatch(dispatcher.Event{
		Command:   CommandPointPicked,
		Args:      []string{fmt.Sprintf("%v,%v", p.Easting, p.Northing)},
		Timestamp: time.Now(),
	})
	if err != nil {
		return "", err
	}
	url, _ := result.(string)
	return url, nil
}

// record hands s to the sink worker. A full queue drops the sample rather
// than stall the mutation loop.
func (a *attachment) record(s telemetry.Sample) error {
	return a.d.Post(dispatcher.Event{Command: CommandPoseApplied, Payload: s, Timestamp: s.Time})
}

func (a *attachment) end() error {
	_, err := a.d.Dispatch(dispatcher.Event{Command: CommandEndSession, Timestamp: time.Now()})
	return err
}

// Attach routes the viewer's navigation events through d so marker updates
// run on d's mutation loop. Events are posted, never awaited, so navigations
// the bridge itself triggers cannot deadlock it. The returned function stops
// listening to the viewer. Applied poses reach the sinks on a separate
// buffered worker, so a slow sink never holds up marker updates.
func (b *Bridge) Attach(ctx context.Context, v viewer.Viewer, d *dispatcher.Dispatcher) func() {
	d.Register(CommandViewerNavigated, func(e dispatcher.Event) (any, error) {
		if len(e.Args) == 0 {
			return nil, errors.New("viewer navigation without url")
		}
		return nil, b.OnViewerNavigated(ctx, e.Args[0])
	}, dispatcher.Affine(), dispatcher.Logged())

	d.Register(CommandPointPicked, func(e dispatcher.Event) (any, error) {
		if len(e.Args) == 0 {
			return nil, errors.New("pick without point")
		}
		p, err := geo.PointFromString(e.Args[0])
		if err != nil {
			return nil, err
		}
		return b.OnDrawingPointPicked(ctx, p)
	}, dispatcher.Affine(), dispatcher.Logged())

	d.Register(CommandEndSession, func(e dispatcher.Event) (any, error) {
		return nil, b.clear(ctx)
	}, dispatcher.Affine(), dispatcher.Logged())

	d.Register(CommandPoseApplied, func(e dispatcher.Event) (any, error) {
		sample, ok := e.Payload.(telemetry.Sample)
		if !ok {
			return nil, fmt.Errorf("pose event carries %T", e.Payload)
		}
		b.fanOut(ctx, sample)
		return nil, nil
	}, dispatcher.Buffered(poseQueueSize))

	b.loop = &attachment{d: d}

	return v.OnSourceChanged(func(url string) {
		err := d.Post(dispatcher.Event{
			Command:   CommandViewerNavigated,
			Args:      []string{url},
			Timestamp: time.Now(),
		})
		if err != nil {
			b.logger.Warn("Dropped viewer navigation", "error", err)
		}
	})
}
