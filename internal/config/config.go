package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/streetviewlocate/geosync/internal/crs"
)

// FileName is the name of the config file looked up in the config directory.
const FileName = "geosync.cfg.json"

// ViewerConfig holds the defaults written into viewer URLs on a point pick.
type ViewerConfig struct {
	BaseURL    string  `json:"baseUrl" mapstructure:"baseUrl"`
	Heading    float64 `json:"heading" mapstructure:"heading"`
	Pitch      float64 `json:"pitch" mapstructure:"pitch"`
	FOV        float64 `json:"fov" mapstructure:"fov"`
	DataSuffix string  `json:"dataSuffix" mapstructure:"dataSuffix"`
}

// MarkerConfig holds the marker block settings.
type MarkerConfig struct {
	TemplatePath string `json:"templatePath" mapstructure:"templatePath"`
}

// DBConfig holds postgres connection settings
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// DocumentConfig selects the drawing backend.
type DocumentConfig struct {
	Type string `json:"type" mapstructure:"type"` // memory, sqlite or postgres
	Path string `json:"path" mapstructure:"path"` // sqlite file
	ID   string `json:"id" mapstructure:"id"`
	CRS  string `json:"crs" mapstructure:"crs"`
	DB   DBConfig
}

// TelemetryConfig holds the InfluxDB pose trail settings.
type TelemetryConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Host      string `json:"host" mapstructure:"host"`
	Port      string `json:"port" mapstructure:"port"`
	Protocol  string `json:"protocol" mapstructure:"protocol"`
	Token     string `json:"token" mapstructure:"token"`
	Org       string `json:"org" mapstructure:"org"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	BackupDir string `json:"backupDir" mapstructure:"backupDir"`
}

// StreamConfig holds the live pose stream settings.
type StreamConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	Secret  string `json:"secret" mapstructure:"secret"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// PublishConfig holds the map frontend that exported layers are uploaded to.
type PublishConfig struct {
	URL    string `json:"url" mapstructure:"url"`
	APIKey string `json:"apiKey" mapstructure:"apiKey"`
	Tag    string `json:"tag" mapstructure:"tag"`
}

// GraylogConfig holds the GELF sink settings.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// LogConfig holds log level, file rotation and remote sink settings.
type LogConfig struct {
	Level      string `json:"logLevel" mapstructure:"logLevel"`
	Dir        string `json:"logsDir" mapstructure:"logsDir"`
	MaxSize    int    `json:"maxSize" mapstructure:"maxSize"` // megabytes
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
	MaxAge     int    `json:"maxAge" mapstructure:"maxAge"` // days
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Graylog    GraylogConfig
}

// DefaultTemplatePath is where the marker block template is installed.
func DefaultTemplatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "StreetViewLocate", "streetViewLocate_block.dwg")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// SetDefaults registers the default of every key. Load calls it; callers
// running without a config file call it directly.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./geosynclogs")
	viper.SetDefault("log.maxSize", 20)
	viper.SetDefault("log.maxBackups", 5)
	viper.SetDefault("log.maxAge", 30)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("viewer.baseUrl", "https://www.google.com/maps/")
	viper.SetDefault("viewer.heading", 45.0)
	viper.SetDefault("viewer.pitch", 90.0)
	viper.SetDefault("viewer.fov", 75.0)
	viper.SetDefault("viewer.dataSuffix", "data=!3m1!1e1")

	viper.SetDefault("marker.templatePath", DefaultTemplatePath())

	viper.SetDefault("document.type", "memory")
	viper.SetDefault("document.path", "./geosync.db")
	viper.SetDefault("document.id", "")
	viper.SetDefault("document.crs", "")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "geosync")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "geosync")
	viper.SetDefault("influx.bucket", "poses")
	viper.SetDefault("influx.backupDir", "./geosyncbackup")

	viper.SetDefault("stream.enabled", false)
	viper.SetDefault("stream.url", "ws://localhost:5000/api/v1/poses")
	viper.SetDefault("stream.secret", "")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "geosync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("dispatcher.queueSize", 64)

	viper.SetDefault("publish.url", "")
	viper.SetDefault("publish.apiKey", "")
	viper.SetDefault("publish.tag", "")
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetViewerConfig returns the viewer URL defaults.
func GetViewerConfig() ViewerConfig {
	return ViewerConfig{
		BaseURL:    viper.GetString("viewer.baseUrl"),
		Heading:    viper.GetFloat64("viewer.heading"),
		Pitch:      viper.GetFloat64("viewer.pitch"),
		FOV:        viper.GetFloat64("viewer.fov"),
		DataSuffix: viper.GetString("viewer.dataSuffix"),
	}
}

// GetMarkerConfig returns the marker block settings.
func GetMarkerConfig() MarkerConfig {
	return MarkerConfig{
		TemplatePath: viper.GetString("marker.templatePath"),
	}
}

// GetDocumentConfig returns the drawing backend settings.
func GetDocumentConfig() DocumentConfig {
	return DocumentConfig{
		Type: viper.GetString("document.type"),
		Path: viper.GetString("document.path"),
		ID:   viper.GetString("document.id"),
		CRS:  viper.GetString("document.crs"),
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
	}
}

// GetTelemetryConfig returns the InfluxDB settings.
func GetTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:   viper.GetBool("influx.enabled"),
		Host:      viper.GetString("influx.host"),
		Port:      viper.GetString("influx.port"),
		Protocol:  viper.GetString("influx.protocol"),
		Token:     viper.GetString("influx.token"),
		Org:       viper.GetString("influx.org"),
		Bucket:    viper.GetString("influx.bucket"),
		BackupDir: viper.GetString("influx.backupDir"),
	}
}

// GetStreamConfig returns the live pose stream settings.
func GetStreamConfig() StreamConfig {
	return StreamConfig{
		Enabled: viper.GetBool("stream.enabled"),
		URL:     viper.GetString("stream.url"),
		Secret:  viper.GetString("stream.secret"),
	}
}

// GetOTelConfig returns OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetLogConfig returns logging configuration.
func GetLogConfig() LogConfig {
	return LogConfig{
		Level:      viper.GetString("logLevel"),
		Dir:        viper.GetString("logsDir"),
		MaxSize:    viper.GetInt("log.maxSize"),
		MaxBackups: viper.GetInt("log.maxBackups"),
		MaxAge:     viper.GetInt("log.maxAge"),
		Compress:   viper.GetBool("log.compress"),
		Graylog: GraylogConfig{
			Enabled: viper.GetBool("graylog.enabled"),
			Address: viper.GetString("graylog.address"),
		},
	}
}

// GetPublishConfig returns the layer upload settings.
func GetPublishConfig() PublishConfig {
	return PublishConfig{
		URL:    viper.GetString("publish.url"),
		APIKey: viper.GetString("publish.apiKey"),
		Tag:    viper.GetString("publish.tag"),
	}
}

// GetDispatcherQueueSize returns the capacity of the mutation queue.
func GetDispatcherQueueSize() int {
	return viper.GetInt("dispatcher.queueSize")
}

// GetCustomCRS returns the transverse mercator systems configured under
// crs.custom.
func GetCustomCRS() ([]crs.Definition, error) {
	var defs []crs.Definition
	if err := viper.UnmarshalKey("crs.custom", &defs); err != nil {
		return nil, fmt.Errorf("error reading crs.custom: %w", err)
	}
	return defs, nil
}
