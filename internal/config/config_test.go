package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, 720, cfg.Camera.Height)
	assert.Equal(t, -90.0, cfg.Camera.Mount.Rotation.Pitch)
	assert.Equal(t, "vehicle.tesla.model3", cfg.Spawn.Blueprint)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editor.toml")
	data := `
[backend]
host = "sim.local"
port = 3000
timeout = "750ms"

[spawn]
scale = 0.05
center_x = 300.0
center_y = 400.0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sim.local", cfg.Backend.Host)
	assert.Equal(t, 3000, cfg.Backend.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Backend.Timeout)
	assert.Equal(t, 0.05, cfg.Spawn.Scale)
	assert.Equal(t, 300.0, cfg.Spawn.CenterX)
	// untouched sections keep their defaults
	assert.Equal(t, 80.0, cfg.Spawn.Height)
	assert.Equal(t, "sensor.camera.rgb", cfg.Camera.Blueprint)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editor.yaml")
	data := `
camera:
  width: 640
  height: 480
  mount:
    location: {x: 1, y: 2, z: 50}
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.Camera.Width)
	assert.Equal(t, 480, cfg.Camera.Height)
	assert.Equal(t, 50.0, cfg.Camera.Mount.Location.Z)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "editor.ini")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.Port = 0
	cfg.Camera.Width = 0
	cfg.Spawn.Scale = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.port")
	assert.Contains(t, err.Error(), "camera resolution")
	assert.Contains(t, err.Error(), "spawn.scale")
}

func TestValidateRejectsOversizedCamera(t *testing.T) {
	cfg := Defaults()
	cfg.Camera.Width = 1 << 31
	cfg.Camera.Height = 1 << 31
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera resolution")
}

func TestValidateDebugSkipsBackendEndpoint(t *testing.T) {
	cfg := Defaults()
	cfg.Debug.Enabled = true
	cfg.Backend.Host = ""
	assert.NoError(t, cfg.Validate())
}
