// Package simclient talks to the simulation backend: synchronous JSON calls
// for blueprints and actors, and a ZMQ stream for sensor payloads.
package simclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sim-editor-go/internal/types"
)

const defaultTimeout = 2 * time.Second

// Camera blueprint attributes understood by the backend.
const (
	AttrImageSizeX = "image_size_x"
	AttrImageSizeY = "image_size_y"
	AttrFOV        = "fov"
)

type Blueprint struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (b *Blueprint) SetAttribute(name, value string) {
	if b.Attributes == nil {
		b.Attributes = make(map[string]string)
	}
	b.Attributes[name] = value
}

func (b *Blueprint) Attribute(name string) (string, bool) {
	v, ok := b.Attributes[name]
	return v, ok
}

// Clone returns a copy whose attributes can be changed without touching b.
func (b *Blueprint) Clone() *Blueprint {
	out := &Blueprint{ID: b.ID}
	if b.Attributes != nil {
		out.Attributes = make(map[string]string, len(b.Attributes))
		for k, v := range b.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Actor is a handle to a live backend entity.
type Actor struct {
	ID        uint32          `json:"id"`
	TypeID    string          `json:"type_id"`
	Transform types.Transform `json:"transform"`
}

// RawRecorder receives every sensor message before it is decoded.
type RawRecorder interface {
	Record(payload []byte) error
}

// Session is one connection to the backend. It is read-only after Connect
// and safe for concurrent use.
type Session struct {
	ID         string
	Host       string
	Port       int
	baseURL    string
	apiVersion string
	timeout    time.Duration
	client     *http.Client
	log        *zap.Logger
	recorder   RawRecorder
	logEvery   int
}

type Option func(*Session)

func WithAPIVersion(version string) Option {
	return func(s *Session) { s.apiVersion = version }
}

// WithTimeout bounds every control call.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

func WithRecorder(r RawRecorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithLogEvery rate-limits stream error logs to every Nth occurrence.
func WithLogEvery(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.logEvery = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		if c != nil {
			s.client = c
		}
	}
}

// Connect opens a session and verifies the backend answers its status route.
func Connect(ctx context.Context, host string, port int, opts ...Option) (*Session, error) {
	if host == "" || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid endpoint %q:%d", ErrConnection, host, port)
	}
	s := &Session{
		ID:         uuid.NewString(),
		Host:       host,
		Port:       port,
		baseURL:    "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		apiVersion: "1.0",
		timeout:    defaultTimeout,
		log:        zap.NewNop(),
		logEvery:   1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: s.timeout}
	}
	s.log = s.log.With(zap.String("session", s.ID))

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	status, body, err := s.doRequest(callCtx, http.MethodGet, buildPaths(s.baseURL, s.apiVersion, "status"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, s.baseURL, err)
	}
	if !isSuccess(status) {
		return nil, fmt.Errorf("%w: %s: status http %d: %s", ErrConnection, s.baseURL, status, errorMessage(body))
	}
	s.log.Info("connected to simulation backend", zap.String("url", s.baseURL), zap.String("api_version", s.apiVersion))
	return s, nil
}

func (s *Session) call(ctx context.Context, method string, paths []string, payload []byte) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.doRequest(callCtx, method, paths, payload)
}

func (s *Session) FindBlueprint(ctx context.Context, id string) (*Blueprint, error) {
	if id == "" {
		return nil, fmt.Errorf("blueprint %q: %w", id, ErrNotFound)
	}
	status, body, err := s.call(ctx, http.MethodGet, buildPaths(s.baseURL, s.apiVersion, "blueprints", id), nil)
	if err != nil {
		return nil, fmt.Errorf("find blueprint %q: %w", id, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("blueprint %q: %w", id, ErrNotFound)
	case !isSuccess(status):
		return nil, &APIError{Op: "find blueprint " + id, Status: status, Message: errorMessage(body)}
	}
	var bp Blueprint
	if err := json.Unmarshal(body, &bp); err != nil {
		return nil, fmt.Errorf("find blueprint %q: decode: %w", id, err)
	}
	if bp.ID == "" {
		bp.ID = id
	}
	return &bp, nil
}

type spawnRequest struct {
	Blueprint *Blueprint      `json:"blueprint"`
	Transform types.Transform `json:"transform"`
}

func (s *Session) SpawnActor(ctx context.Context, bp *Blueprint, transform types.Transform) (*Actor, error) {
	if bp == nil {
		return nil, &SpawnError{Transform: transform, Reason: "nil blueprint"}
	}
	payload, err := json.Marshal(spawnRequest{Blueprint: bp, Transform: transform})
	if err != nil {
		return nil, &SpawnError{Blueprint: bp.ID, Transform: transform, Reason: "encode request", Err: err}
	}
	status, body, err := s.call(ctx, http.MethodPost, buildPaths(s.baseURL, s.apiVersion, "actors"), payload)
	if err != nil {
		return nil, &SpawnError{Blueprint: bp.ID, Transform: transform, Reason: err.Error(), Err: err}
	}
	if !isSuccess(status) {
		return nil, &SpawnError{Blueprint: bp.ID, Transform: transform, Status: status, Reason: errorMessage(body)}
	}
	var actor Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, &SpawnError{Blueprint: bp.ID, Transform: transform, Status: status, Reason: "decode response", Err: err}
	}
	if actor.ID == 0 {
		return nil, &SpawnError{Blueprint: bp.ID, Transform: transform, Status: status, Reason: "backend returned no actor id"}
	}
	if actor.TypeID == "" {
		actor.TypeID = bp.ID
	}
	s.log.Debug("actor spawned", zap.Uint32("actor", actor.ID), zap.String("type", actor.TypeID), zap.Stringer("transform", actor.Transform))
	return &actor, nil
}

// DestroyActor removes actor from the world. Calling it twice for the same
// actor is undefined on the backend; callers keep track.
func (s *Session) DestroyActor(ctx context.Context, actor *Actor) error {
	if actor == nil {
		return fmt.Errorf("destroy actor: nil handle")
	}
	id := strconv.FormatUint(uint64(actor.ID), 10)
	status, body, err := s.call(ctx, http.MethodDelete, buildPaths(s.baseURL, s.apiVersion, "actors", id), nil)
	if err != nil {
		return fmt.Errorf("destroy actor %d: %w", actor.ID, err)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("destroy actor %d: %w", actor.ID, ErrNotFound)
	case !isSuccess(status):
		return &APIError{Op: "destroy actor " + id, Status: status, Message: errorMessage(body)}
	}
	s.log.Debug("actor destroyed", zap.Uint32("actor", actor.ID))
	return nil
}

// Close releases idle connections. It does not touch backend actors.
func (s *Session) Close() error {
	s.client.CloseIdleConnections()
	s.log.Info("session closed")
	return nil
}
