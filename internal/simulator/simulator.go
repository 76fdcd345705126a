// Package simulator is an in-process stand-in for the simulation backend. It
// implements the same calls as simclient.Session and renders a synthetic
// top-down camera image, so the editor runs without an engine.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sim-editor-go/internal/simclient"
	"sim-editor-go/internal/spawn"
	"sim-editor-go/internal/types"
)

const (
	CameraBlueprint  = "sensor.camera.rgb"
	VehicleBlueprint = "vehicle.tesla.model3"
	MapName          = "Debug01"

	vehicleSize = 4.5 // meters, drawn as a square
)

var ErrClosed = errors.New("simulator closed")

type Config struct {
	FrameRate     float64
	Calibration   spawn.Calibration
	Bounds        float64 // vehicles must satisfy |x|,|y| <= Bounds; 0 disables
	MinSeparation float64 // meters between live vehicles; 0 disables
}

func DefaultConfig() Config {
	return Config{
		FrameRate:     20,
		Calibration:   spawn.Calibration{Scale: 0.03, CenterX: 640, CenterY: 360, Height: 80},
		Bounds:        200,
		MinSeparation: 2,
	}
}

type entity struct {
	actor simclient.Actor
	color [3]byte // BGR
	// camera only
	width, height int
}

func (e *entity) isVehicle() bool { return strings.HasPrefix(e.actor.TypeID, "vehicle.") }

type World struct {
	log *zap.Logger
	cfg Config

	mu         sync.Mutex
	nextID     uint32
	blueprints map[string]*simclient.Blueprint
	actors     map[uint32]*entity
	streams    map[uint32]*stream
	closed     bool
	rng        *rand.Rand
}

func New(cfg Config, log *zap.Logger) *World {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultConfig().FrameRate
	}
	return &World{
		log:    log,
		cfg:    cfg,
		nextID: 1000,
		blueprints: map[string]*simclient.Blueprint{
			CameraBlueprint: {ID: CameraBlueprint, Attributes: map[string]string{
				simclient.AttrImageSizeX: "800",
				simclient.AttrImageSizeY: "600",
				simclient.AttrFOV:        "90",
			}},
			VehicleBlueprint:      {ID: VehicleBlueprint, Attributes: map[string]string{"color": "200,30,30"}},
			"vehicle.audi.tt":     {ID: "vehicle.audi.tt", Attributes: map[string]string{"color": "30,30,200"}},
			"vehicle.mini.cooper": {ID: "vehicle.mini.cooper", Attributes: map[string]string{"color": "30,160,30"}},
		},
		actors:  make(map[uint32]*entity),
		streams: make(map[uint32]*stream),
		rng:     rand.New(rand.NewSource(1)),
	}
}

func (w *World) FindBlueprint(ctx context.Context, id string) (*simclient.Blueprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	bp, ok := w.blueprints[id]
	if !ok {
		return nil, fmt.Errorf("blueprint %q: %w", id, simclient.ErrNotFound)
	}
	return bp.Clone(), nil
}

func (w *World) SpawnActor(ctx context.Context, bp *simclient.Blueprint, transform types.Transform) (*simclient.Actor, error) {
	if bp == nil {
		return nil, &simclient.SpawnError{Transform: transform, Reason: "nil blueprint"}
	}
	if err := ctx.Err(); err != nil {
		return nil, &simclient.SpawnError{Blueprint: bp.ID, Transform: transform, Err: err}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, &simclient.SpawnError{Blueprint: bp.ID, Transform: transform, Err: ErrClosed}
	}
	if _, ok := w.blueprints[bp.ID]; !ok {
		return nil, &simclient.SpawnError{Blueprint: bp.ID, Transform: transform, Status: http.StatusNotFound, Reason: "unknown blueprint"}
	}

	e := &entity{actor: simclient.Actor{TypeID: bp.ID, Transform: transform}}
	if e.isVehicle() {
		if err := w.checkPose(transform.Location); err != "" {
			return nil, &simclient.SpawnError{Blueprint: bp.ID, Transform: transform, Status: http.StatusConflict, Reason: err}
		}
		e.color = vehicleColor(bp, w.rng)
	} else {
		e.width = intAttribute(bp, simclient.AttrImageSizeX)
		e.height = intAttribute(bp, simclient.AttrImageSizeY)
		if e.width < 1 || e.height < 1 {
			return nil, &simclient.SpawnError{Blueprint: bp.ID, Transform: transform, Status: http.StatusBadRequest, Reason: "invalid image size"}
		}
	}

	w.nextID++
	e.actor.ID = w.nextID
	w.actors[e.actor.ID] = e
	w.log.Debug("actor spawned", zap.Uint32("actor", e.actor.ID), zap.String("type", bp.ID), zap.Stringer("transform", transform))
	actor := e.actor
	return &actor, nil
}

// checkPose returns a rejection reason, or "" if loc is free. Callers hold w.mu.
func (w *World) checkPose(loc types.Location) string {
	if b := w.cfg.Bounds; b > 0 && (math.Abs(loc.X) > b || math.Abs(loc.Y) > b) {
		return "outside map bounds"
	}
	if w.cfg.MinSeparation <= 0 {
		return ""
	}
	for _, other := range w.actors {
		if !other.isVehicle() {
			continue
		}
		ground := other.actor.Transform.Location
		ground.Z = loc.Z
		if loc.Distance(ground) < w.cfg.MinSeparation {
			return "spawn point occupied"
		}
	}
	return ""
}

func (w *World) DestroyActor(ctx context.Context, actor *simclient.Actor) error {
	if actor == nil {
		return errors.New("destroy: nil actor")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	if _, ok := w.actors[actor.ID]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("actor %d: %w", actor.ID, simclient.ErrNotFound)
	}
	delete(w.actors, actor.ID)
	st := w.streams[actor.ID]
	delete(w.streams, actor.ID)
	w.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
	w.log.Debug("actor destroyed", zap.Uint32("actor", actor.ID))
	return nil
}

// Listen renders frames for the camera sensor at the configured rate.
func (w *World) Listen(ctx context.Context, sensor *simclient.Actor, fn func(simclient.SensorData)) (simclient.Subscription, error) {
	if sensor == nil || fn == nil {
		return nil, errors.New("listen: nil sensor or callback")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.actors[sensor.ID]
	if !ok {
		return nil, fmt.Errorf("listen sensor %d: %w", sensor.ID, simclient.ErrNotFound)
	}
	if e.isVehicle() {
		return nil, fmt.Errorf("listen: actor %d is not a sensor", sensor.ID)
	}
	if _, busy := w.streams[sensor.ID]; busy {
		return nil, fmt.Errorf("listen: sensor %d already streaming", sensor.ID)
	}

	st := w.startStream(sensor.ID, e.width, e.height, fn)
	w.streams[sensor.ID] = st
	return st, nil
}

// Poll mirrors simclient.Session.Poll.
func (w *World) Poll(ctx context.Context, interval time.Duration, update func(simclient.Status)) {
	if update == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		st := simclient.Status{State: "running", Map: MapName, Actors: len(w.actors), UpdatedAt: time.Now()}
		if w.closed {
			st.State = "closed"
		}
		w.mu.Unlock()
		update(st)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Live returns the number of actors alive in the world.
func (w *World) Live() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.actors)
}

// Close stops every stream. Actors still alive are logged and dropped.
func (w *World) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	streams := make([]*stream, 0, len(w.streams))
	for _, st := range w.streams {
		streams = append(streams, st)
	}
	w.streams = map[uint32]*stream{}
	leaked := len(w.actors)
	w.mu.Unlock()

	for _, st := range streams {
		_ = st.Close()
	}
	if leaked > 0 {
		w.log.Warn("simulator closed with live actors", zap.Int("actors", leaked))
	}
	return nil
}

// vehicles snapshots live vehicle locations for rendering.
func (w *World) vehicles() []entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]entity, 0, len(w.actors))
	for _, e := range w.actors {
		if e.isVehicle() {
			out = append(out, *e)
		}
	}
	return out
}

func intAttribute(bp *simclient.Blueprint, name string) int {
	v, ok := bp.Attribute(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// vehicleColor parses an "r,g,b" color attribute, falling back to a random one.
func vehicleColor(bp *simclient.Blueprint, rng *rand.Rand) [3]byte {
	if v, ok := bp.Attribute("color"); ok {
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			var rgb [3]int
			valid := true
			for i, p := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil || n < 0 || n > 255 {
					valid = false
					break
				}
				rgb[i] = n
			}
			if valid {
				return [3]byte{byte(rgb[2]), byte(rgb[1]), byte(rgb[0])}
			}
		}
	}
	return [3]byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))}
}
