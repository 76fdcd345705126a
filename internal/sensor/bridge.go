// Package sensor owns the editor's camera: it spawns the sensor actor, decodes
// every payload the backend pushes, and keeps only the newest frame for the
// single rendering consumer.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"sim-editor-go/internal/frame"
	"sim-editor-go/internal/simclient"
	"sim-editor-go/internal/types"
)

var (
	ErrSensorInit     = errors.New("sensor init failed")
	ErrAlreadyStarted = errors.New("sensor bridge already started")
	ErrNotStarted     = errors.New("sensor bridge not started")
	ErrAlreadyStopped = errors.New("sensor bridge already stopped")
	ErrStopped        = errors.New("sensor bridge stopped")
)

// Backend is the part of the simulation session the bridge needs.
type Backend interface {
	FindBlueprint(ctx context.Context, id string) (*simclient.Blueprint, error)
	SpawnActor(ctx context.Context, bp *simclient.Blueprint, transform types.Transform) (*simclient.Actor, error)
	DestroyActor(ctx context.Context, actor *simclient.Actor) error
	Listen(ctx context.Context, sensor *simclient.Actor, fn func(simclient.SensorData)) (simclient.Subscription, error)
}

type State int32

const (
	Uninitialized State = iota
	Subscribed
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Subscribed:
		return "subscribed"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

type Config struct {
	Blueprint string
	Width     int
	Height    int
	FOV       float64 // 0 keeps the blueprint default
	Mount     types.Transform
	LogEvery  int // log every Nth malformed frame
}

type Stats struct {
	State     string `json:"state"`
	SensorID  uint32 `json:"sensor_id,omitempty"`
	Received  uint64 `json:"received"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Malformed uint64 `json:"malformed"`
	Consumed  uint64 `json:"consumed"`
}

// Bridge moves frames from the backend's delivery goroutine to one reader.
type Bridge struct {
	log  *zap.Logger
	slot *slot

	mu      sync.Mutex
	state   State
	backend Backend
	sensor  *simclient.Actor
	sub     simclient.Subscription
	cfg     Config

	received  atomic.Uint64
	published atomic.Uint64
	malformed atomic.Uint64
	consumed  atomic.Uint64
}

func New(log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		log:  log,
		slot: newSlot(),
	}
}

// Start spawns the camera at cfg.Mount and subscribes to its payloads. On
// failure nothing is left alive in the backend and the bridge stays
// Uninitialized.
func (b *Bridge) Start(ctx context.Context, backend Backend, cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Uninitialized {
		return ErrAlreadyStarted
	}
	if !frame.ValidGeometry(cfg.Width, cfg.Height) {
		return fmt.Errorf("%w: invalid resolution %dx%d", ErrSensorInit, cfg.Width, cfg.Height)
	}
	if cfg.LogEvery < 1 {
		cfg.LogEvery = 1
	}

	base, err := backend.FindBlueprint(ctx, cfg.Blueprint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSensorInit, err)
	}
	bp := base.Clone()
	bp.SetAttribute(simclient.AttrImageSizeX, strconv.Itoa(cfg.Width))
	bp.SetAttribute(simclient.AttrImageSizeY, strconv.Itoa(cfg.Height))
	if cfg.FOV > 0 {
		bp.SetAttribute(simclient.AttrFOV, strconv.FormatFloat(cfg.FOV, 'f', -1, 64))
	}

	sensor, err := backend.SpawnActor(ctx, bp, cfg.Mount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSensorInit, err)
	}

	b.cfg = cfg
	sub, err := backend.Listen(ctx, sensor, b.onSensorData)
	if err != nil {
		if derr := backend.DestroyActor(ctx, sensor); derr != nil {
			b.log.Error("destroy sensor after failed listen", zap.Uint32("sensor", sensor.ID), zap.Error(derr))
		}
		return fmt.Errorf("%w: %w", ErrSensorInit, err)
	}

	b.backend = backend
	b.sensor = sensor
	b.sub = sub
	b.state = Subscribed
	b.log.Info("camera sensor subscribed",
		zap.Uint32("sensor", sensor.ID),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Stringer("mount", cfg.Mount),
	)
	return nil
}

// onSensorData runs on the backend's delivery goroutine. It must not block.
func (b *Bridge) onSensorData(data simclient.SensorData) {
	b.received.Add(1)
	f, err := b.decode(data)
	if err != nil {
		n := b.malformed.Add(1)
		if n%uint64(b.cfg.LogEvery) == 0 {
			b.log.Debug("dropping malformed frame", zap.Uint64("frame", data.Frame), zap.Uint64("malformed_total", n), zap.Error(err))
		}
		return
	}
	f.Seq = data.Frame
	f.Timestamp = data.Timestamp
	if stored, _ := b.slot.publish(f); stored {
		b.published.Add(1)
	}
}

// decode rejects payloads whose stated geometry disagrees with the camera's.
// Zero width and height mean the stream did not say.
func (b *Bridge) decode(data simclient.SensorData) (frame.Frame, error) {
	if (data.Width != 0 || data.Height != 0) && (data.Width != b.cfg.Width || data.Height != b.cfg.Height) {
		return frame.Frame{}, fmt.Errorf("%w: stream sent %dx%d, camera is %dx%d",
			frame.ErrMalformedFrame, data.Width, data.Height, b.cfg.Width, b.cfg.Height)
	}
	return frame.Decode(data.Raw, b.cfg.Width, b.cfg.Height)
}

// Stop unsubscribes and destroys the camera. Only the first call does work;
// later calls return ErrAlreadyStopped.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case Uninitialized:
		b.mu.Unlock()
		return ErrNotStarted
	case Unsubscribed:
		b.mu.Unlock()
		return ErrAlreadyStopped
	}
	b.state = Unsubscribed
	backend, sensor, sub := b.backend, b.sensor, b.sub
	b.sub = nil
	b.mu.Unlock()

	var errs []error
	if err := sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe sensor %d: %w", sensor.ID, err))
	}
	if err := backend.DestroyActor(ctx, sensor); err != nil {
		errs = append(errs, fmt.Errorf("destroy sensor %d: %w", sensor.ID, err))
	}
	b.slot.close()

	st := b.Stats()
	b.log.Info("camera sensor stopped",
		zap.Uint32("sensor", sensor.ID),
		zap.Uint64("published", st.Published),
		zap.Uint64("dropped", st.Dropped),
		zap.Uint64("malformed", st.Malformed),
	)
	return errors.Join(errs...)
}

// NextFrame blocks until a frame newer than the last one read is available.
// Only one goroutine may read.
func (b *Bridge) NextFrame(ctx context.Context) (frame.Frame, error) {
	f, err := b.slot.wait(ctx)
	if err == nil {
		b.consumed.Add(1)
	}
	return f, err
}

// TryFrame returns the pending frame without waiting.
func (b *Bridge) TryFrame() (frame.Frame, bool) {
	f, ok := b.slot.take()
	if ok {
		b.consumed.Add(1)
	}
	return f, ok
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Sensor() *simclient.Actor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sensor
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	st := Stats{State: b.state.String()}
	if b.sensor != nil {
		st.SensorID = b.sensor.ID
	}
	b.mu.Unlock()
	st.Received = b.received.Load()
	st.Published = b.published.Load()
	st.Dropped = b.slot.dropped()
	st.Malformed = b.malformed.Load()
	st.Consumed = b.consumed.Load()
	return st
}
