package document

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/marker"
)

type memoryHandle struct {
	id  string
	doc *Memory
}

func (h memoryHandle) ID() string { return h.id }

func (h memoryHandle) Valid() bool {
	return h.doc.live(h.id)
}

// Memory is a drawing held in process memory.
type Memory struct {
	id       string
	crsName  string
	template Template

	mu      sync.RWMutex
	markers map[string]*Record
	closed  bool
}

// NewMemory creates an empty in-memory drawing. An empty id gets a random one.
func NewMemory(id, crsName string, template Template) *Memory {
	if id == "" {
		id = uuid.NewString()
	}
	return &Memory{
		id:       id,
		crsName:  crsName,
		template: template,
		markers:  make(map[string]*Record),
	}
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) CRSName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.crsName
}

// SetCRSName changes the configured coordinate system, as a user editing the
// drawing's geolocation would.
func (m *Memory) SetCRSName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crsName = name
}

func (m *Memory) CreateMarker(ctx context.Context, p geo.ProjectedPoint, rotation float64) (marker.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.insert(p, rotation), nil
}

// ReplaceAllMarkers removes every marker and adds one at p.
func (m *Memory) ReplaceAllMarkers(ctx context.Context, p geo.ProjectedPoint, rotation float64) (marker.Handle, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	n := len(m.markers)
	clear(m.markers)
	return m.insert(p, rotation), n, nil
}

// insert must be called with mu held.
func (m *Memory) insert(p geo.ProjectedPoint, rotation float64) marker.Handle {
	id := uuid.NewString()
	m.markers[id] = &Record{
		ID:         id,
		DocumentID: m.id,
		Block:      m.template.BlockName,
		Point:      p,
		Rotation:   rotation,
		UpdatedAt:  time.Now(),
	}
	return memoryHandle{id: id, doc: m}
}

func (m *Memory) MoveMarker(ctx context.Context, h marker.Handle, p geo.ProjectedPoint, rotation float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(h)
	if err != nil {
		return err
	}
	rec.Point = p
	rec.Rotation = rotation
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteMarker(ctx context.Context, h marker.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(h); err != nil {
		return err
	}
	delete(m.markers, h.ID())
	return nil
}

// DeleteAllMarkers removes every marker, tracked or not.
func (m *Memory) DeleteAllMarkers(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := len(m.markers)
	m.markers = make(map[string]*Record)
	return n, nil
}

// Erase removes a marker without going through its handle, the way an undo
// or another command would.
func (m *Memory) Erase(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.markers[id]
	delete(m.markers, id)
	return ok
}

func (m *Memory) Markers(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Record, 0, len(m.markers))
	for _, rec := range m.markers {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// Close invalidates every handle issued by the document.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) live(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	_, ok := m.markers[id]
	return ok
}

// lookup must be called with mu held.
func (m *Memory) lookup(h marker.Handle) (*Record, error) {
	if m.closed {
		return nil, ErrClosed
	}
	mh, ok := h.(memoryHandle)
	if !ok || mh.doc != m {
		return nil, marker.ErrInvalidHandle
	}
	rec, ok := m.markers[mh.id]
	if !ok {
		return nil, marker.ErrInvalidHandle
	}
	return rec, nil
}
