// Package spawn turns viewer clicks into vehicle actors and owns every actor it
// spawns until Shutdown.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"

	"sim-editor-go/internal/simclient"
	"sim-editor-go/internal/types"
)

var ErrClosed = errors.New("spawn controller closed")

type Backend interface {
	FindBlueprint(ctx context.Context, id string) (*simclient.Blueprint, error)
	SpawnActor(ctx context.Context, bp *simclient.Blueprint, transform types.Transform) (*simclient.Actor, error)
	DestroyActor(ctx context.Context, actor *simclient.Actor) error
}

type Config struct {
	Calibration Calibration
	Blueprint   string
	CallTimeout time.Duration // per backend call; 0 means no extra bound
}

// Controller is safe for concurrent use. Calls are serialized so that the
// registry always matches what the backend was told.
type Controller struct {
	log     *zap.Logger
	backend Backend
	cfg     Config

	mu        sync.Mutex
	blueprint *simclient.Blueprint
	actors    *orderedmap.OrderedMap[uint32, *simclient.Actor]
	closed    bool
}

func New(backend Backend, cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:     log,
		backend: backend,
		cfg:     cfg,
		actors:  orderedmap.NewOrderedMap[uint32, *simclient.Actor](),
	}
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// SpawnAt spawns the configured vehicle at the world point under (x, y) and
// registers it. On error the registry is left as it was.
func (c *Controller) SpawnAt(ctx context.Context, x, y int) (*simclient.Actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	transform := c.cfg.Calibration.ScreenToWorld(x, y)
	bp, err := c.vehicleBlueprint(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := c.withTimeout(ctx)
	actor, err := c.backend.SpawnActor(callCtx, bp, transform)
	cancel()
	if err != nil {
		c.log.Warn("spawn rejected",
			zap.Int("x", x),
			zap.Int("y", y),
			zap.Stringer("location", transform.Location),
			zap.Error(err),
		)
		return nil, err
	}

	if !c.actors.Set(actor.ID, actor) {
		c.log.Warn("backend reused a live actor id", zap.Uint32("actor", actor.ID))
	}
	c.log.Info("vehicle spawned",
		zap.Uint32("actor", actor.ID),
		zap.Int("x", x),
		zap.Int("y", y),
		zap.Stringer("location", transform.Location),
		zap.Int("live", c.actors.Len()),
	)
	return actor, nil
}

// vehicleBlueprint looks the blueprint up once. Failed lookups are retried on
// the next click. Callers hold c.mu.
func (c *Controller) vehicleBlueprint(ctx context.Context) (*simclient.Blueprint, error) {
	if c.blueprint != nil {
		return c.blueprint, nil
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	bp, err := c.backend.FindBlueprint(callCtx, c.cfg.Blueprint)
	if err != nil {
		return nil, fmt.Errorf("vehicle blueprint %q: %w", c.cfg.Blueprint, err)
	}
	c.blueprint = bp
	return bp, nil
}

// Shutdown destroys every registered actor in spawn order. Each actor is
// removed whether or not its destroy succeeded, so none is destroyed twice.
// Later calls are no-ops and SpawnAt returns ErrClosed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	destroyed := 0
	for el := c.actors.Front(); el != nil; {
		next := el.Next()
		actor := el.Value
		callCtx, cancel := c.withTimeout(ctx)
		err := c.backend.DestroyActor(callCtx, actor)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("destroy actor %d: %w", actor.ID, err))
		} else {
			destroyed++
		}
		c.actors.Delete(el.Key)
		el = next
	}
	c.log.Info("spawned actors destroyed", zap.Int("destroyed", destroyed), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Actors returns the live actors in spawn order.
func (c *Controller) Actors() []simclient.Actor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]simclient.Actor, 0, c.actors.Len())
	for el := c.actors.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value)
	}
	return out
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actors.Len()
}
