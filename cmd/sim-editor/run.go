package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sim-editor-go/internal/config"
	"sim-editor-go/internal/editor"
	"sim-editor-go/internal/frame"
	"sim-editor-go/internal/output"
	"sim-editor-go/internal/sensor"
	"sim-editor-go/internal/server"
	"sim-editor-go/internal/simclient"
	"sim-editor-go/internal/simulator"
	"sim-editor-go/internal/spawn"
	"sim-editor-go/internal/types"
)

const teardownTimeout = 15 * time.Second

type runFlags struct {
	configPath string
	host       string
	port       int
	debug      bool
	httpPort   int
	rawLog     bool
	logLevel   string
	logFormat  string
}

// statusSource is implemented by both simclient.Session and simulator.World.
type statusSource interface {
	Poll(ctx context.Context, interval time.Duration, update func(simclient.Status))
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Connect to the backend and serve the viewer",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Config file (.toml, .yaml)")
	cmd.Flags().StringVar(&flags.host, "host", "localhost", "Simulation backend host")
	cmd.Flags().IntVar(&flags.port, "port", 2000, "Simulation backend port")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Run against the in-process simulator")
	cmd.Flags().IntVar(&flags.httpPort, "http-port", 8888, "HTTP port for the viewer")
	cmd.Flags().BoolVar(&flags.rawLog, "raw-log", false, "Record raw sensor messages to disk")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "console", "Log format (console, json)")
	return cmd
}

// loadConfig layers defaults, the optional file and explicitly set flags.
func loadConfig(cmd *cobra.Command, flags runFlags) (config.AppConfig, error) {
	cfg := config.Defaults()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	set := cmd.Flags().Changed
	if set("host") {
		cfg.Backend.Host = flags.host
	}
	if set("port") {
		cfg.Backend.Port = flags.port
	}
	if set("debug") {
		cfg.Debug.Enabled = flags.debug
	}
	if set("http-port") {
		cfg.Server.Port = flags.httpPort
	}
	if set("raw-log") {
		cfg.RawLog.Enabled = flags.rawLog
	}
	if set("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if set("log-format") {
		cfg.Logging.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(cfg config.AppConfig) error {
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	calibration := spawn.Calibration{
		Scale:   cfg.Spawn.Scale,
		CenterX: cfg.Spawn.CenterX,
		CenterY: cfg.Spawn.CenterY,
		Height:  cfg.Spawn.Height,
	}

	backend, rawLog, err := openBackend(ctx, cfg, calibration, log)
	if err != nil {
		return err
	}
	if rawLog != nil {
		defer func() {
			if err := rawLog.Close(); err != nil {
				log.Warn("raw log close failed", zap.Error(err))
			}
		}()
	}

	ed, err := editor.New(ctx, backend, editor.Config{
		Camera: sensor.Config{
			Blueprint: cfg.Camera.Blueprint,
			Width:     cfg.Camera.Width,
			Height:    cfg.Camera.Height,
			FOV:       cfg.Camera.FOV,
			Mount:     cfg.Camera.Mount,
			LogEvery:  cfg.Backend.LogEvery,
		},
		Spawn: spawn.Config{
			Calibration: calibration,
			Blueprint:   cfg.Spawn.Blueprint,
			CallTimeout: cfg.Spawn.CallTimeout,
		},
	}, log.Named("editor"))
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("start editor: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := ed.Close(closeCtx); err != nil {
			log.Error("teardown", zap.Error(err))
		}
	}()

	var (
		statusMu      sync.Mutex
		backendStatus simclient.Status
	)
	if poller, ok := backend.(statusSource); ok {
		go poller.Poll(ctx, cfg.Backend.StatusInterval, func(st simclient.Status) {
			statusMu.Lock()
			backendStatus = st
			statusMu.Unlock()
		})
	}

	mode := "backend"
	if cfg.Debug.Enabled {
		mode = "simulator"
	}
	statusFn := func() map[string]any {
		statusMu.Lock()
		st := backendStatus
		statusMu.Unlock()
		return map[string]any{
			"mode":    mode,
			"backend": st,
			"camera":  ed.Bridge().Stats(),
			"actors":  ed.Spawner().Len(),
		}
	}

	err = server.Run(ctx, server.Options{
		Port: cfg.Server.Port,
		Viewer: types.ViewerConfig{
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			PixelFormat: string(frame.BGRA8),
			Blueprint:   cfg.Spawn.Blueprint,
		},
		Frames:   ed.Bridge(),
		Spawner:  ed.Spawner(),
		StatusFn: statusFn,
		ActorsFn: func() any { return ed.Spawner().Actors() },
		Log:      log.Named("server"),
	})
	if err != nil {
		return fmt.Errorf("viewer server: %w", err)
	}
	log.Info("shutting down")
	return nil
}

// openBackend returns the simulator in debug mode, otherwise a live session.
func openBackend(ctx context.Context, cfg config.AppConfig, calibration spawn.Calibration, log *zap.Logger) (editor.Backend, *output.RawLogWriter, error) {
	if cfg.Debug.Enabled {
		simCfg := simulator.DefaultConfig()
		simCfg.FrameRate = cfg.Debug.FrameRate
		simCfg.Calibration = calibration
		log.Info("using in-process simulator", zap.Float64("frame_rate", simCfg.FrameRate))
		return simulator.New(simCfg, log.Named("simulator")), nil, nil
	}

	opts := []simclient.Option{
		simclient.WithAPIVersion(cfg.Backend.APIVersion),
		simclient.WithTimeout(cfg.Backend.Timeout),
		simclient.WithLogEvery(cfg.Backend.LogEvery),
		simclient.WithLogger(log.Named("simclient")),
	}
	var rawLog *output.RawLogWriter
	if cfg.RawLog.Enabled {
		writer, err := output.NewRawLogWriter(cfg.RawLog.Dir, "sensor_cbor")
		if err != nil {
			return nil, nil, fmt.Errorf("start raw log: %w", err)
		}
		log.Info("recording raw sensor messages", zap.String("path", writer.Path()))
		rawLog = writer
		opts = append(opts, simclient.WithRecorder(writer))
	}

	session, err := simclient.Connect(ctx, cfg.Backend.Host, cfg.Backend.Port, opts...)
	if err != nil {
		if rawLog != nil {
			_ = rawLog.Close()
		}
		return nil, nil, err
	}
	log.Info("connected to backend",
		zap.String("host", cfg.Backend.Host),
		zap.Int("port", cfg.Backend.Port),
		zap.String("session", session.ID),
	)
	return session, rawLog, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
