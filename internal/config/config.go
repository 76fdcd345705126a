package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"sim-editor-go/internal/frame"
	"sim-editor-go/internal/types"
)

type AppConfig struct {
	Backend BackendConfig `toml:"backend" yaml:"backend"`
	Camera  CameraConfig  `toml:"camera" yaml:"camera"`
	Spawn   SpawnConfig   `toml:"spawn" yaml:"spawn"`
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Debug   DebugConfig   `toml:"debug" yaml:"debug"`
	RawLog  RawLogConfig  `toml:"raw_log" yaml:"raw_log"`
}

type BackendConfig struct {
	Host           string        `toml:"host" yaml:"host"`
	Port           int           `toml:"port" yaml:"port"`
	APIVersion     string        `toml:"api_version" yaml:"api_version"`
	Timeout        time.Duration `toml:"timeout" yaml:"timeout"`
	StatusInterval time.Duration `toml:"status_interval" yaml:"status_interval"`
	LogEvery       int           `toml:"log_every" yaml:"log_every"` // log every Nth stream error
}

type CameraConfig struct {
	Blueprint string          `toml:"blueprint" yaml:"blueprint"`
	Width     int             `toml:"width" yaml:"width"`
	Height    int             `toml:"height" yaml:"height"`
	FOV       float64         `toml:"fov" yaml:"fov"` // 0 keeps the blueprint default
	Mount     types.Transform `toml:"mount" yaml:"mount"`
}

type SpawnConfig struct {
	Blueprint   string        `toml:"blueprint" yaml:"blueprint"`
	Scale       float64       `toml:"scale" yaml:"scale"`       // meters per pixel
	CenterX     float64       `toml:"center_x" yaml:"center_x"` // pixel column mapped to world y=0
	CenterY     float64       `toml:"center_y" yaml:"center_y"` // pixel row mapped to world x=0
	Height      float64       `toml:"height" yaml:"height"`
	CallTimeout time.Duration `toml:"call_timeout" yaml:"call_timeout"`
}

type ServerConfig struct {
	Port int `toml:"port" yaml:"port"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // "json" or "console"
}

type DebugConfig struct {
	Enabled   bool    `toml:"enabled" yaml:"enabled"`
	FrameRate float64 `toml:"frame_rate" yaml:"frame_rate"`
}

type RawLogConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Dir     string `toml:"dir" yaml:"dir"`
}

// Defaults mirrors the stock editor setup: a 1280x720 camera looking straight
// down from 100m and Model 3 spawns at 80m.
func Defaults() AppConfig {
	return AppConfig{
		Backend: BackendConfig{
			Host:           "localhost",
			Port:           2000,
			APIVersion:     "1.0",
			Timeout:        2 * time.Second,
			StatusInterval: time.Second,
			LogEvery:       100,
		},
		Camera: CameraConfig{
			Blueprint: "sensor.camera.rgb",
			Width:     1280,
			Height:    720,
			Mount: types.Transform{
				Location: types.Location{Z: 100},
				Rotation: types.Rotation{Pitch: -90},
			},
		},
		Spawn: SpawnConfig{
			Blueprint:   "vehicle.tesla.model3",
			Scale:       0.03,
			CenterX:     640,
			CenterY:     360,
			Height:      80,
			CallTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Port: 8888,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Debug: DebugConfig{
			FrameRate: 20,
		},
		RawLog: RawLogConfig{
			Dir: "rawlog",
		},
	}
}

// Load reads a TOML or YAML file over the defaults. The format is picked by
// extension.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	var errs []error
	if !c.Debug.Enabled {
		if c.Backend.Host == "" {
			errs = append(errs, errors.New("backend.host is empty"))
		}
		if c.Backend.Port < 1 || c.Backend.Port > 65535 {
			errs = append(errs, fmt.Errorf("backend.port %d out of range", c.Backend.Port))
		}
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	if !frame.ValidGeometry(c.Camera.Width, c.Camera.Height) {
		errs = append(errs, fmt.Errorf("camera resolution %dx%d invalid (1..%d per side)", c.Camera.Width, c.Camera.Height, frame.MaxDimension))
	}
	if c.Camera.Blueprint == "" {
		errs = append(errs, errors.New("camera.blueprint is empty"))
	}
	if c.Spawn.Blueprint == "" {
		errs = append(errs, errors.New("spawn.blueprint is empty"))
	}
	if c.Spawn.Scale <= 0 {
		errs = append(errs, errors.New("spawn.scale must be positive"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Debug.Enabled && c.Debug.FrameRate <= 0 {
		errs = append(errs, errors.New("debug.frame_rate must be positive"))
	}
	return errors.Join(errs...)
}
