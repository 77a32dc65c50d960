package marker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streetviewlocate/geosync/internal/geo"
)

// State is the tracking state of a Sync.
type State int

const (
	// Absent means no marker is tracked.
	Absent State = iota
	// Present means a marker is tracked. Its handle was valid when last used
	// and is checked again at the start of the next transition.
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Placement is a marker position and rotation in radians.
type Placement struct {
	Point    geo.ProjectedPoint
	Rotation float64
}

// Stats counts the mutating calls issued to the host.
type Stats struct {
	Creates   int
	Moves     int
	Deletes   int
	Skipped   int // Ensure calls that found nothing to change
	Recreated int // stale handles replaced by a new marker
}

// Sync owns the single synchronized marker. It is not safe for concurrent
// use: every call must come from the goroutine that owns document mutations.
type Sync struct {
	host   Host
	logger *slog.Logger

	handle Handle
	last   Placement
	stats  Stats
}

// New creates a Sync in the Absent state.
func New(host Host, logger *slog.Logger) *Sync {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{host: host, logger: logger}
}

// State reports whether a marker is currently tracked.
func (s *Sync) State() State {
	if s.handle == nil {
		return Absent
	}
	return Present
}

// Last returns the placement most recently applied to the tracked marker.
func (s *Sync) Last() (Placement, bool) {
	if s.handle == nil {
		return Placement{}, false
	}
	return s.last, true
}

// Stats returns the mutation counters.
func (s *Sync) Stats() Stats {
	return s.stats
}

// Ensure makes the tracked marker sit at p with rotation, creating it if
// needed. A call that would not change position or rotation is skipped.
func (s *Sync) Ensure(ctx context.Context, p geo.ProjectedPoint, rotation float64) error {
	want := Placement{Point: p, Rotation: rotation}

	if !s.validate() {
		return s.create(ctx, want)
	}

	if s.last == want {
		s.stats.Skipped++
		s.logger.Debug("Marker already in place", "marker", s.handle.ID(), "point", p.String(), "rotation", rotation)
		return nil
	}

	err := s.host.MoveMarker(ctx, s.handle, p, rotation)
	if errors.Is(err, ErrInvalidHandle) {
		s.logger.Warn("Marker handle went stale during move, recreating", "marker", s.handle.ID())
		s.stats.Recreated++
		s.forget()
		return s.create(ctx, want)
	}
	if err != nil {
		return fmt.Errorf("moving marker: %w", err)
	}

	s.stats.Moves++
	s.last = want
	return nil
}

// Replace swaps the tracked marker for a fresh one at p. Hosts that
// implement Sweeper also lose any untracked marker references. If the new
// marker cannot be created the old one is kept.
func (s *Sync) Replace(ctx context.Context, p geo.ProjectedPoint, rotation float64) error {
	want := Placement{Point: p, Rotation: rotation}
	if _, ok := s.host.(Sweeper); ok || !s.validate() {
		return s.create(ctx, want)
	}

	old := s.handle
	h, err := s.host.CreateMarker(ctx, p, rotation)
	if err != nil {
		return fmt.Errorf("creating marker: %w", err)
	}
	s.stats.Creates++

	err = s.host.DeleteMarker(ctx, old)
	switch {
	case err == nil:
		s.stats.Deletes++
	case errors.Is(err, ErrInvalidHandle):
	default:
		// two markers would be left behind, so undo the create
		if rbErr := s.host.DeleteMarker(ctx, h); rbErr != nil {
			s.logger.Error("Failed to remove replacement marker", "marker", h.ID(), "error", rbErr)
		}
		return fmt.Errorf("deleting marker: %w", err)
	}

	s.handle = h
	s.last = want
	s.logger.Debug("Marker replaced", "old", old.ID(), "marker", h.ID(), "point", p.String(), "rotation", rotation)
	return nil
}

// Clear deletes the tracked marker and returns to Absent.
func (s *Sync) Clear(ctx context.Context) error {
	return s.remove(ctx)
}

// validate drops a handle that no longer refers to a live marker.
func (s *Sync) validate() bool {
	if s.handle == nil {
		return false
	}
	if s.handle.Valid() {
		return true
	}
	s.logger.Warn("Tracked marker is no longer valid, will recreate", "marker", s.handle.ID())
	s.stats.Recreated++
	s.forget()
	return false
}

// create places a new marker. On a Sweeper host the orphans from an earlier
// session or a lost handle go in the same transaction.
func (s *Sync) create(ctx context.Context, want Placement) error {
	var (
		h   Handle
		n   int
		err error
	)
	if sw, ok := s.host.(Sweeper); ok {
		h, n, err = sw.ReplaceAllMarkers(ctx, want.Point, want.Rotation)
	} else {
		h, err = s.host.CreateMarker(ctx, want.Point, want.Rotation)
	}
	if err != nil {
		return fmt.Errorf("creating marker: %w", err)
	}

	s.stats.Creates++
	s.stats.Deletes += n
	if n > 0 {
		s.logger.Debug("Markers swept", "count", n)
	}
	s.handle = h
	s.last = want
	s.logger.Debug("Marker created", "marker", h.ID(), "point", want.Point.String(), "rotation", want.Rotation)
	return nil
}

func (s *Sync) remove(ctx context.Context) error {
	if sw, ok := s.host.(Sweeper); ok {
		n, err := sw.DeleteAllMarkers(ctx)
		if err != nil {
			// the tracked handle may still be live, so keep it
			return fmt.Errorf("deleting markers: %w", err)
		}
		s.stats.Deletes += n
		if n > 0 {
			s.logger.Debug("Markers deleted", "count", n)
		}
		s.forget()
		return nil
	}

	if !s.validate() {
		return nil
	}

	err := s.host.DeleteMarker(ctx, s.handle)
	if err != nil && !errors.Is(err, ErrInvalidHandle) {
		return fmt.Errorf("deleting marker: %w", err)
	}
	if err == nil {
		s.stats.Deletes++
		s.logger.Debug("Marker deleted", "marker", s.handle.ID())
	}
	s.forget()
	return nil
}

func (s *Sync) forget() {
	s.handle = nil
	s.last = Placement{}
}
