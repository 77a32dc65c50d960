package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/streetviewlocate/geosync/internal/bridge"
	"github.com/streetviewlocate/geosync/internal/config"
	"github.com/streetviewlocate/geosync/internal/crs"
	"github.com/streetviewlocate/geosync/internal/dispatcher"
	"github.com/streetviewlocate/geosync/internal/document"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/logging"
	"github.com/streetviewlocate/geosync/internal/otel"
	"github.com/streetviewlocate/geosync/internal/session"
	"github.com/streetviewlocate/geosync/internal/stream"
	"github.com/streetviewlocate/geosync/internal/telemetry"
	"github.com/streetviewlocate/geosync/internal/viewstate"
)

// AppName prefixes log and backup files.
const AppName = "geosync"

// app holds the components wired from configuration for one command run.
type app struct {
	started time.Time

	logs    *logging.SlogManager
	logFile io.Closer
	otel    *otel.Provider
	log     *slog.Logger
	zlog    zerolog.Logger

	registry    *crs.Registry
	transformer *geo.Transformer
	urls        viewstate.URLBuilder

	doc      document.Document
	sessions *session.Context
	recorder *telemetry.Recorder
	stream   *stream.Streamer
	streamOn bool // a start_session was acknowledged
	bridge   *bridge.Bridge
}

// overrides are command line flags that take precedence over the config file.
type overrides struct {
	configDir    string
	crsName      string
	documentType string
	documentPath string
	documentID   string
	template     string
	logLevel     string
	console      bool
}

func (o overrides) apply() {
	set := func(key, value string) {
		if value != "" {
			viper.Set(key, value)
		}
	}
	set("document.crs", o.crsName)
	set("document.type", o.documentType)
	set("document.path", o.documentPath)
	set("document.id", o.documentID)
	set("marker.templatePath", o.template)
	set("logLevel", o.logLevel)
}

// loadConfig reads the config file, falling back to defaults when there is
// none, and applies flag overrides.
func loadConfig(o overrides) error {
	err := config.Load(o.configDir)
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	o.apply()
	return nil
}

// newApp wires logging, the CRS registry, telemetry and the bridge. The
// document is opened by startSession.
func newApp(ctx context.Context, o overrides) (*app, error) {
	if err := loadConfig(o); err != nil {
		return nil, err
	}

	a := &app{started: time.Now(), sessions: session.NewContext()}
	if err := a.setupLogging(o.console); err != nil {
		a.Close()
		return nil, err
	}

	custom, err := config.GetCustomCRS()
	if err != nil {
		a.Close()
		return nil, &bridge.ConfigurationError{Reason: "invalid custom coordinate systems", Err: err}
	}
	a.registry, err = crs.NewRegistry(custom...)
	if err != nil {
		a.Close()
		return nil, &bridge.ConfigurationError{Reason: "invalid custom coordinate systems", Err: err}
	}
	a.transformer = geo.NewTransformer(a.registry)

	vc := config.GetViewerConfig()
	a.urls = viewstate.URLBuilder{
		BaseURL:    vc.BaseURL,
		FOV:        vc.FOV,
		Heading:    vc.Heading,
		Pitch:      vc.Pitch,
		DataSuffix: vc.DataSuffix,
	}
	if err := a.urls.Validate(); err != nil {
		a.Close()
		return nil, &bridge.ConfigurationError{Reason: "invalid viewer settings", Err: err}
	}

	a.recorder = telemetry.NewRecorder(config.GetTelemetryConfig(), a.zlog.With().Str("component", "telemetry").Logger())
	opts := []bridge.Option{bridge.WithLogger(a.log)}
	if config.GetTelemetryConfig().Enabled {
		if err := a.recorder.Connect(ctx); err != nil {
			a.log.Warn("Pose telemetry disabled", "error", err)
		} else {
			opts = append(opts, bridge.WithPoseSink(a.recorder))
		}
	}
	if sc := config.GetStreamConfig(); sc.Enabled {
		if s, err := a.connectStream(sc); err != nil {
			a.log.Warn("Live pose stream disabled", "error", err)
		} else {
			a.stream = s
			opts = append(opts, bridge.WithPoseSink(s))
		}
	}
	a.bridge = bridge.New(a.registry, a.transformer, a.urls, a.sessions, opts...)

	return a, nil
}

func (a *app) connectStream(sc config.StreamConfig) (*stream.Streamer, error) {
	s, err := stream.New(sc, a.log.With("component", "stream"))
	if err != nil {
		return nil, err
	}
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) setupLogging(console bool) error {
	lc := config.GetLogConfig()

	a.logs = logging.NewSlogManager()
	var file io.Writer
	if !console {
		lj, err := logging.NewRotatingFile(lc, AppName, a.started)
		if err != nil {
			return err
		}
		a.logFile = lj
		file = lj
	}

	oc := config.GetOTelConfig()
	provider, err := otel.New(otel.FromConfig(oc, file))
	if err != nil {
		return fmt.Errorf("failed to set up OTel: %w", err)
	}
	a.otel = provider

	opts := []logging.Option{logging.WithContext(a.sessions.LogAttrs)}
	graylog, err := logging.NewGraylogWriter(lc.Graylog)
	if err != nil {
		fmt.Fprintf(stderr, "graylog disabled: %v\n", err)
	} else if graylog != nil {
		opts = append(opts, logging.WithGraylog(graylog))
	}

	a.logs.Setup(file, lc.Level, provider.LoggerProvider(), opts...)
	a.log = a.logs.Logger()
	a.zlog = a.logs.Zerolog()
	return nil
}

// openDocument opens the configured drawing. A missing marker template is
// a configuration error.
func (a *app) openDocument() error {
	template, err := document.LoadTemplate(config.GetMarkerConfig().TemplatePath)
	if err != nil {
		return &bridge.ConfigurationError{Reason: "marker block template", Err: err}
	}
	a.doc, err = document.Open(config.GetDocumentConfig(), template, a.zlog.With().Str("component", "document").Logger())
	if err != nil {
		return err
	}
	a.log.Info("Document opened", "document", a.doc.ID(), "crs", a.doc.CRSName(), "template", template.BlockName)
	return nil
}

// startSession opens the document if needed and makes it the active session.
func (a *app) startSession() (*session.Session, error) {
	if a.doc == nil {
		if err := a.openDocument(); err != nil {
			return nil, err
		}
	}
	s := session.New(a.doc, a.log)
	a.sessions.Start(s)
	a.log.Info("Session started", "session", s.ID.String())

	if a.stream != nil {
		err := a.stream.StartSession(stream.SessionPayload{
			Session:  s.ID.String(),
			Document: a.doc.ID(),
			CRS:      a.doc.CRSName(),
		})
		if err != nil {
			a.log.Warn("Live map did not accept the session", "error", err)
		} else {
			a.streamOn = true
		}
	}
	return s, nil
}

// newDispatcher creates the mutation loop the bridge runs on.
func (a *app) newDispatcher() (*dispatcher.Dispatcher, error) {
	zl := a.zlog.With().Str("component", "dispatcher").Logger()
	return dispatcher.New(logging.NewDispatcherLogger(zl), config.GetDispatcherQueueSize())
}

// Close releases everything newApp and openDocument acquired.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.stream != nil {
		if a.streamOn {
			if err := a.stream.EndSession(); err != nil {
				a.log.Warn("Live map did not acknowledge the session end", "error", err)
			}
		}
		if n := a.stream.Dropped(); n > 0 {
			a.log.Warn("Poses dropped by the live stream", "count", n)
		}
		errs = append(errs, a.stream.Close())
	}
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	if a.doc != nil {
		errs = append(errs, a.doc.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Flush(ctx))
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(ctx))
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}
