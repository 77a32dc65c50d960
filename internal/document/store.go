package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/rs/zerolog"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/marker"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Marker is a marker block reference stored in a drawing.
type Marker struct {
	ID         uint       `json:"id" gorm:"primarykey;autoIncrement;"`
	Handle     string     `json:"handle" gorm:"size:36;uniqueIndex:idx_marker_handle"`
	DocumentID string     `json:"documentId" gorm:"size:128;index:idx_marker_document_id"`
	Block      string     `json:"block" gorm:"size:128"`
	Position   geom.Point `json:"position"`           // easting/northing in the drawing CRS
	Rotation   float64    `json:"rotation"`           // radians, counter-clockwise
	IsDeleted  bool       `json:"isDeleted" gorm:"default:false;index:idx_marker_is_deleted"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (*Marker) TableName() string {
	return "markers"
}

// MarkerState journals every change applied to a marker.
type MarkerState struct {
	ID        uint           `json:"id" gorm:"primarykey;autoIncrement;"`
	MarkerID  uint           `json:"markerId" gorm:"index:idx_marker_state_marker_id"`
	Time      time.Time      `json:"time"`
	Action    string         `json:"action" gorm:"size:16"` // create, move, delete
	Position  geom.Point     `json:"position"`
	Rotation  float64        `json:"rotation"`
	ExtraData datatypes.JSON `json:"extraData"`
}

func (*MarkerState) TableName() string {
	return "marker_states"
}

// Models lists the tables a Store migrates.
var Models = []interface{}{
	&Marker{},
	&MarkerState{},
}

const (
	actionCreate = "create"
	actionMove   = "move"
	actionDelete = "delete"
)

type storeHandle struct {
	id    string
	store *Store
}

func (h storeHandle) ID() string { return h.id }

func (h storeHandle) Valid() bool {
	return h.store.live(h.id)
}

// Store is a drawing persisted through gorm. Every marker operation runs in
// its own transaction together with its journal entry.
type Store struct {
	db       *gorm.DB
	id       string
	crsName  string
	template Template
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewStore migrates the marker tables and returns the drawing id on db.
func NewStore(db *gorm.DB, id, crsName string, template Template, log zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("document store needs a database")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("failed to migrate marker schema: %w", err)
	}

	log.Info().Str("document", id).Str("dialect", db.Dialector.Name()).Msg("Document store ready")
	return &Store{
		db:       db,
		id:       id,
		crsName:  crsName,
		template: template,
		log:      log,
	}, nil
}

func (s *Store) ID() string      { return s.id }
func (s *Store) CRSName() string { return s.crsName }

func (s *Store) CreateMarker(ctx context.Context, p geo.ProjectedPoint, rotation float64) (marker.Handle, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var h marker.Handle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		h, err = s.insert(tx, p, rotation)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting marker: %w", err)
	}
	return h, nil
}

// ReplaceAllMarkers soft deletes every live marker of the drawing and inserts
// one at p in a single transaction.
func (s *Store) ReplaceAllMarkers(ctx context.Context, p geo.ProjectedPoint, rotation float64) (marker.Handle, int, error) {
	if s.isClosed() {
		return nil, 0, ErrClosed
	}

	var (
		h marker.Handle
		n int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Marker
		if err := tx.Where("document_id = ? AND is_deleted = ?", s.id, false).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := s.markDeleted(tx, rows); err != nil {
				return err
			}
		}
		var err error
		h, err = s.insert(tx, p, rotation)
		n = len(rows)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("replacing markers: %w", err)
	}
	return h, n, nil
}

func (s *Store) insert(tx *gorm.DB, p geo.ProjectedPoint, rotation float64) (marker.Handle, error) {
	pos, err := p.Geom()
	if err != nil {
		return nil, err
	}
	row := Marker{
		Handle:     uuid.NewString(),
		DocumentID: s.id,
		Block:      s.template.BlockName,
		Position:   pos,
		Rotation:   rotation,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	if err := tx.Create(s.state(row.ID, actionCreate, pos, rotation)).Error; err != nil {
		return nil, err
	}

	s.log.Debug().Str("marker", row.Handle).Str("point", p.String()).Float64("rotation", rotation).Msg("Marker inserted")
	return storeHandle{id: row.Handle, store: s}, nil
}

func (s *Store) MoveMarker(ctx context.Context, h marker.Handle, p geo.ProjectedPoint, rotation float64) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.owns(h) {
		return marker.ErrInvalidHandle
	}
	pos, err := p.Geom()
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, h.ID())
		if err != nil {
			return err
		}
		res := tx.Model(&Marker{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"position":   pos,
				"rotation":   rotation,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("moving marker: %w", res.Error)
		}
		return tx.Create(s.state(row.ID, actionMove, pos, rotation)).Error
	})
}

func (s *Store) DeleteMarker(ctx context.Context, h marker.Handle) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.owns(h) {
		return marker.ErrInvalidHandle
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, h.ID())
		if err != nil {
			return err
		}
		return s.markDeleted(tx, []Marker{row})
	})
}

// DeleteAllMarkers soft deletes every live marker of the drawing.
func (s *Store) DeleteAllMarkers(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	var n int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Marker
		if err := tx.Where("document_id = ? AND is_deleted = ?", s.id, false).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		n = len(rows)
		return s.markDeleted(tx, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("deleting markers: %w", err)
	}
	if n > 0 {
		s.log.Debug().Int("count", n).Msg("Markers deleted")
	}
	return n, nil
}

func (s *Store) Markers(ctx context.Context) ([]Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var rows []Marker
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND is_deleted = ?", s.id, false).
		Order("updated_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing markers: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		p, err := geo.ProjectedFromGeom(row.Position)
		if err != nil {
			s.log.Warn().Str("marker", row.Handle).Msg("Skipping marker without position")
			continue
		}
		out = append(out, Record{
			ID:         row.Handle,
			DocumentID: row.DocumentID,
			Block:      row.Block,
			Point:      p,
			Rotation:   row.Rotation,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	return out, nil
}

// History returns the journal of one marker, oldest first.
func (s *Store) History(ctx context.Context, handle string) ([]MarkerState, error) {
	var states []MarkerState
	err := s.db.WithContext(ctx).
		Joins("JOIN markers ON markers.id = marker_states.marker_id").
		Where("markers.handle = ? AND markers.document_id = ?", handle, s.id).
		Order("marker_states.id").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("reading marker history: %w", err)
	}
	return states, nil
}

// Close invalidates every handle issued by the store and releases the
// database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) owns(h marker.Handle) bool {
	sh, ok := h.(storeHandle)
	return ok && sh.store == s
}

func (s *Store) live(handle string) bool {
	if s.isClosed() {
		return false
	}
	var count int64
	err := s.db.Model(&Marker{}).
		Where("handle = ? AND document_id = ? AND is_deleted = ?", handle, s.id, false).
		Count(&count).Error
	if err != nil {
		s.log.Error().Err(err).Str("marker", handle).Msg("Failed to validate marker handle")
		return false
	}
	return count > 0
}

func (s *Store) find(tx *gorm.DB, handle string) (Marker, error) {
	var row Marker
	err := tx.Where("handle = ? AND document_id = ? AND is_deleted = ?", handle, s.id, false).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Marker{}, marker.ErrInvalidHandle
	}
	if err != nil {
		return Marker{}, fmt.Errorf("looking up marker: %w", err)
	}
	return row, nil
}

func (s *Store) markDeleted(tx *gorm.DB, rows []Marker) error {
	ids := make([]uint, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	err := tx.Model(&Marker{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"is_deleted": true, "updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("deleting marker: %w", err)
	}

	for _, row := range rows {
		if err := tx.Create(s.state(row.ID, actionDelete, row.Position, row.Rotation)).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) state(markerID uint, action string, pos geom.Point, rotation float64) *MarkerState {
	extra, _ := json.Marshal(map[string]interface{}{
		"crs":         s.crsName,
		"rotationDeg": rotation * 180 / math.Pi,
	})
	return &MarkerState{
		MarkerID:  markerID,
		Time:      time.Now(),
		Action:    action,
		Position:  pos,
		Rotation:  rotation,
		ExtraData: datatypes.JSON(extra),
	}
}
