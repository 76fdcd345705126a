// Package editor wires one backend session, the camera bridge and the spawn
// controller together and owns their shutdown order.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sim-editor-go/internal/sensor"
	"sim-editor-go/internal/spawn"
)

// Backend is a simulation session: simclient.Session or simulator.World.
type Backend interface {
	sensor.Backend
	Close() error
}

type Config struct {
	Camera sensor.Config
	Spawn  spawn.Config
}

type Editor struct {
	log     *zap.Logger
	backend Backend
	bridge  *sensor.Bridge
	spawner *spawn.Controller

	closeOnce sync.Once
}

// New starts the camera. Any error here is fatal for the caller; the backend
// is left open for it to close.
func New(ctx context.Context, backend Backend, cfg Config, log *zap.Logger) (*Editor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bridge := sensor.New(log.Named("sensor"))
	if err := bridge.Start(ctx, backend, cfg.Camera); err != nil {
		return nil, err
	}
	return &Editor{
		log:     log,
		backend: backend,
		bridge:  bridge,
		spawner: spawn.New(backend, cfg.Spawn, log.Named("spawn")),
	}, nil
}

func (e *Editor) Bridge() *sensor.Bridge { return e.bridge }

func (e *Editor) Spawner() *spawn.Controller { return e.spawner }

// Close tears down the camera sensor first, then every spawned actor in
// spawn order, then the backend session. Only the first call does work;
// later calls return nil.
func (e *Editor) Close(ctx context.Context) error {
	var closeErr error
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.bridge.Stop(ctx); err != nil && !errors.Is(err, sensor.ErrAlreadyStopped) {
			errs = append(errs, fmt.Errorf("stop camera: %w", err))
		}
		if err := e.spawner.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy actors: %w", err))
		}
		if err := e.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		closeErr = errors.Join(errs...)
		if closeErr != nil {
			e.log.Warn("editor teardown finished with errors", zap.Error(closeErr))
		} else {
			e.log.Info("editor teardown complete")
		}
	})
	return closeErr
}
