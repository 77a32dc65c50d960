// Package document provides host drawings the marker can be synchronized
// into: an in-memory drawing and a gorm-backed one for sqlite or postgres.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/marker"
	"github.com/streetviewlocate/geosync/internal/session"
)

// ErrTemplateMissing is returned when the marker block template cannot be found.
var ErrTemplateMissing = errors.New("marker template not found")

// ErrClosed is returned by a document that has been closed.
var ErrClosed = errors.New("document is closed")

// Document is a host drawing with the operations the synchronization needs.
type Document interface {
	session.Document
	marker.Sweeper
	// Markers lists the live markers of this document.
	Markers(ctx context.Context) ([]Record, error)
	Close() error
}

// Record is a live marker as stored in a document.
type Record struct {
	ID         string             `json:"id"`
	DocumentID string             `json:"documentId"`
	Block      string             `json:"block"`
	Point      geo.ProjectedPoint `json:"point"`
	Rotation   float64            `json:"rotation"` // radians, counter-clockwise
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// Template is the block definition inserted for every marker.
type Template struct {
	Path      string
	BlockName string
}

// LoadTemplate checks the template file exists. The block is named after the
// file without its extension.
func LoadTemplate(path string) (Template, error) {
	if strings.TrimSpace(path) == "" {
		return Template{}, fmt.Errorf("%w: no path configured", ErrTemplateMissing)
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateMissing, path)
	}
	if err != nil {
		return Template{}, fmt.Errorf("reading marker template: %w", err)
	}
	if info.IsDir() {
		return Template{}, fmt.Errorf("%w: %s is a directory", ErrTemplateMissing, path)
	}

	base := filepath.Base(path)
	return Template{
		Path:      path,
		BlockName: strings.TrimSuffix(base, filepath.Ext(base)),
	}, nil
}
