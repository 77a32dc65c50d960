// Package stream pushes applied marker poses to a live map server over a
// websocket, so a browser can follow the marker while the user walks the
// panorama.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/streetviewlocate/geosync/internal/config"
	"github.com/streetviewlocate/geosync/internal/telemetry"
)

// Message types.
const (
	TypeStartSession = "start_session"
	TypePose         = "pose"
	TypeEndSession   = "end_session"
	TypeAck          = "ack"
)

// ErrNotConnected is returned by operations on a Streamer without a socket.
var ErrNotConnected = errors.New("stream not connected")

// Envelope wraps every message sent to the server.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage confirms a start_session or end_session.
type AckMessage struct {
	Type string `json:"type"`
	For  string `json:"for"`
}

// SessionPayload announces the drawing a session works on.
type SessionPayload struct {
	Session  string `json:"session"`
	Document string `json:"document"`
	CRS      string `json:"crs"`
}

// PosePayload is one applied pose.
type PosePayload struct {
	Seq       uint64    `json:"seq"`
	Session   string    `json:"session"`
	Source    string    `json:"source"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Heading   float64   `json:"heading"`
	Easting   float64   `json:"easting"`
	Northing  float64   `json:"northing"`
	Rotation  float64   `json:"rotation"`
	Time      time.Time `json:"time"`
}

// Streamer sends session and pose messages. Poses are fire-and-forget;
// session boundaries wait for the server's ack.
type Streamer struct {
	conn    *conn
	seq     atomic.Uint64
	dropped atomic.Uint64
	log     *slog.Logger
}

// New validates cfg.URL. Connect opens the socket.
func New(cfg config.StreamConfig, log *slog.Logger) (*Streamer, error) {
	if log == nil {
		log = slog.Default()
	}
	c, err := newConn(cfg.URL, cfg.Secret, log)
	if err != nil {
		return nil, err
	}
	return &Streamer{conn: c, log: log}, nil
}

func (s *Streamer) Connect() error {
	return s.conn.open()
}

func encode(kind string, payload any) ([]byte, error) {
	env := Envelope{Type: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// StartSession announces a session. The message is replayed after a
// reconnect until EndSession.
func (s *Streamer) StartSession(p SessionPayload) error {
	msg, err := encode(TypeStartSession, p)
	if err != nil {
		return err
	}
	s.conn.mu.Lock()
	s.conn.hello = msg
	s.conn.mu.Unlock()
	s.seq.Store(0)

	return s.conn.request(msg, TypeStartSession, ackTimeout)
}

// EndSession closes the announced session.
func (s *Streamer) EndSession() error {
	msg, err := encode(TypeEndSession, nil)
	if err != nil {
		return err
	}
	err = s.conn.request(msg, TypeEndSession, ackTimeout)

	s.conn.mu.Lock()
	s.conn.hello = nil
	s.conn.mu.Unlock()
	return err
}

// RecordPose streams an applied pose. A full send queue drops it.
func (s *Streamer) RecordPose(ctx context.Context, sample telemetry.Sample) error {
	msg, err := encode(TypePose, PosePayload{
		Seq:       s.seq.Add(1),
		Session:   sample.Session,
		Source:    sample.Source,
		Latitude:  sample.Pose.Latitude,
		Longitude: sample.Pose.Longitude,
		Heading:   sample.Pose.Heading,
		Easting:   sample.Point.Easting,
		Northing:  sample.Point.Northing,
		Rotation:  sample.Rotation,
		Time:      sample.Time,
	})
	if err != nil {
		return err
	}
	if !s.conn.enqueue(msg) {
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("Stream queue full, dropping poses", "dropped", n)
		}
	}
	return nil
}

// Dropped counts poses lost to a full queue.
func (s *Streamer) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Streamer) Close() error {
	return s.conn.close()
}
