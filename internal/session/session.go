// Package session tracks the active synchronization session: the drawing
// document being synchronized and the marker kept in it.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streetviewlocate/geosync/internal/marker"
)

// ErrNoActiveSession is returned when no document is open for synchronization.
var ErrNoActiveSession = errors.New("no active session")

// Document is a host drawing that can carry the synchronized marker.
type Document interface {
	marker.Host
	// ID identifies the document. Handles from another document are stale.
	ID() string
	// CRSName is the coordinate system name configured in the document, or
	// "" when none is set.
	CRSName() string
}

// Session binds one document to its marker state.
type Session struct {
	ID       uuid.UUID
	Document Document
	Markers  *marker.Sync
	Started  time.Time
}

// New starts a session on doc. The marker begins Absent.
func New(doc Document, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	return &Session{
		ID:       id,
		Document: doc,
		Markers:  marker.New(doc, logger.With("session", id.String())),
		Started:  time.Now(),
	}
}

// Provider returns the session the caller should act on.
type Provider interface {
	Active() (*Session, error)
}

// Context holds the current session
type Context struct {
	mu     sync.RWMutex
	active *Session
}

// NewContext creates a Context with no active session.
func NewContext() *Context {
	return &Context{}
}

// Active returns the current session or ErrNoActiveSession.
func (c *Context) Active() (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil, ErrNoActiveSession
	}
	return c.active, nil
}

// Start makes s the active session and returns the one it replaced, if any.
func (c *Context) Start(s *Session) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.active
	c.active = s
	return prev
}

// End clears the active session and returns it.
func (c *Context) End() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.active
	c.active = nil
	return prev
}

// LogAttrs describes the active session for log records.
func (c *Context) LogAttrs() []slog.Attr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil
	}
	return []slog.Attr{
		slog.String("session", c.active.ID.String()),
		slog.String("document", c.active.Document.ID()),
		slog.String("crs", c.active.Document.CRSName()),
	}
}
