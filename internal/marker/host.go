// Package marker keeps a single synchronized marker in a host drawing
// consistent with the latest camera pose.
package marker

import (
	"context"
	"errors"

	"github.com/streetviewlocate/geosync/internal/geo"
)

// ErrInvalidHandle is returned by a Host when a handle no longer refers to a
// live marker in the active document.
var ErrInvalidHandle = errors.New("marker handle is no longer valid")

// Handle is a possibly stale reference to a marker created by a Host.
type Handle interface {
	// ID identifies the marker inside its document.
	ID() string
	// Valid reports whether the marker still exists, belongs to the host's
	// active document and has not been deleted.
	Valid() bool
}

// Host is the drawing document as seen by Sync. Each call runs in its own
// transaction: it either commits completely or leaves the document unchanged.
// Calls are made from a single goroutine.
type Host interface {
	CreateMarker(ctx context.Context, p geo.ProjectedPoint, rotation float64) (Handle, error)
	MoveMarker(ctx context.Context, h Handle, p geo.ProjectedPoint, rotation float64) error
	DeleteMarker(ctx context.Context, h Handle) error
}

// Sweeper is implemented by hosts that can erase every marker reference in the
// document, including ones Sync never tracked.
type Sweeper interface {
	DeleteAllMarkers(ctx context.Context) (int, error)
	// ReplaceAllMarkers erases every marker reference and creates one at p
	// in the same transaction. It returns the new handle and the number of
	// references erased. On error the document is unchanged.
	ReplaceAllMarkers(ctx context.Context, p geo.ProjectedPoint, rotation float64) (Handle, int, error)
}
