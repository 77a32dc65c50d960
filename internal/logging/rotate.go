package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/streetviewlocate/geosync/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFilePath is <logsDir>/<name>.<YYYYMMDD_HHMMSS>.log.
func LogFilePath(logsDir, name string, start time.Time) string {
	return filepath.Join(logsDir, name+"."+start.Format("20060102_150405")+".log")
}

// NewRotatingFile opens a size-rotated log file under cfg.Dir named after
// name and the session start.
func NewRotatingFile(cfg config.LogConfig, name string, start time.Time) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   LogFilePath(cfg.Dir, name, start),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

// NewGraylogWriter returns a GELF UDP writer when Graylog is enabled, and
// nil otherwise.
func NewGraylogWriter(cfg config.GraylogConfig) (io.Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	w, err := gelf.NewWriter(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to graylog at %s: %w", cfg.Address, err)
	}
	return w, nil
}
