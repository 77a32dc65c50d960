// Package telemetry records the trail of applied camera poses to InfluxDB,
// falling back to a gzip line protocol file when InfluxDB is unreachable.
package telemetry

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/streetviewlocate/geosync/internal/config"
	"github.com/streetviewlocate/geosync/internal/geo"
)

// Measurement is the InfluxDB measurement written for every pose.
const Measurement = "marker_pose"

// Pose sources.
const (
	SourceViewer = "viewer"
	SourcePick   = "pick"
)

// Sample is one pose applied to a drawing marker.
type Sample struct {
	Session  string
	Document string
	CRS      string
	Source   string
	Pose     geo.GeoPose
	Point    geo.ProjectedPoint
	Rotation float64
	Time     time.Time
}

// Point converts a sample to an InfluxDB point.
func Point(s Sample) *influxdb2_write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(
		Measurement,
		map[string]string{
			"session":  s.Session,
			"document": s.Document,
			"crs":      s.CRS,
			"source":   s.Source,
		},
		map[string]interface{}{
			"lat":      s.Pose.Latitude,
			"lon":      s.Pose.Longitude,
			"heading":  s.Pose.Heading,
			"pitch":    s.Pose.Pitch,
			"easting":  s.Point.Easting,
			"northing": s.Point.Northing,
			"rotation": s.Rotation,
		},
		ts,
	)
}

// Recorder writes pose samples.
type Recorder struct {
	cfg    config.TelemetryConfig
	log    zerolog.Logger
	client influxdb2.Client
	writer influxdb2_api.WriteAPI

	mu         sync.Mutex
	backupFile *os.File
	backup     *gzip.Writer
	valid      bool
}

// NewRecorder creates a Recorder. Call Connect before RecordPose.
func NewRecorder(cfg config.TelemetryConfig, log zerolog.Logger) *Recorder {
	return &Recorder{cfg: cfg, log: log}
}

// Connect establishes a connection to InfluxDB, or opens the backup file
// when the server does not answer.
func (r *Recorder) Connect(ctx context.Context) error {
	if !r.cfg.Enabled {
		return errors.New("influx.enabled is false")
	}

	r.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", r.cfg.Protocol, r.cfg.Host, r.cfg.Port),
		r.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := r.client.Ping(ctx)
	if err != nil || !running {
		r.log.Warn().Err(err).Str("backupDir", r.cfg.BackupDir).
			Msg("InfluxDB not reachable, writing poses to backup file")
		return r.openBackup()
	}

	if err := r.ensureBucket(ctx); err != nil {
		return err
	}

	r.writer = r.client.WriteAPI(r.cfg.Org, r.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			r.log.Error().Err(writeErr).Str("bucket", r.cfg.Bucket).Msg("Error sending data to InfluxDB")
		}
	}(r.writer.Errors())

	r.mu.Lock()
	r.valid = true
	r.mu.Unlock()
	r.log.Info().Str("bucket", r.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (r *Recorder) ensureBucket(ctx context.Context) error {
	orgs := r.client.OrganizationsAPI()

	// ensure org exists
	org, err := orgs.FindOrganizationByName(ctx, r.cfg.Org)
	if err != nil {
		r.log.Info().Str("org", r.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, r.cfg.Org)
		if err != nil {
			return fmt.Errorf("creating organization %s: %w", r.cfg.Org, err)
		}
	}

	if _, err := r.client.BucketsAPI().FindBucketByName(ctx, r.cfg.Bucket); err == nil {
		return nil
	}

	r.log.Info().Str("bucket", r.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = r.client.BucketsAPI().CreateBucketWithName(ctx, org, r.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: 60 * 60 * 24 * 90, // 90 days
	})
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", r.cfg.Bucket, err)
	}
	return nil
}

func (r *Recorder) openBackup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backup != nil {
		return nil
	}

	if err := os.MkdirAll(r.cfg.BackupDir, 0755); err != nil {
		return fmt.Errorf("error creating backup dir: %w", err)
	}
	path := BackupPath(r.cfg.BackupDir, time.Now())
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %v", err)
	}
	r.backupFile = file
	r.backup = gzip.NewWriter(file)
	return nil
}

// BackupPath is the gzip line protocol file used for a recorder started at start.
func BackupPath(dir string, start time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("poses.%s.lp.gz", start.Format("20060102_150405")))
}

// RecordPose writes a sample to InfluxDB or the backup file.
func (r *Recorder) RecordPose(ctx context.Context, s Sample) error {
	point := Point(s)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.valid {
		r.writer.WritePoint(point)
		return nil
	}
	if r.backup == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := r.backup.Write([]byte(lineProtocol)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// Close flushes pending points and closes the backup file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer != nil {
		r.writer.Flush()
	}
	if r.client != nil {
		r.client.Close()
	}

	var err error
	if r.backup != nil {
		err = errors.Join(r.backup.Close(), r.backupFile.Close())
		r.backup = nil
		r.backupFile = nil
	}
	r.valid = false
	return err
}
