package server

import (
	"context"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sim-editor-go/internal/frame"
	"sim-editor-go/internal/simclient"
	"sim-editor-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

// frameHeaderSize is the binary frame prefix: u32 width, u32 height, u64 seq.
const frameHeaderSize = 16

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// FrameSource hands out frames to a single reader.
type FrameSource interface {
	NextFrame(ctx context.Context) (frame.Frame, error)
}

type Spawner interface {
	SpawnAt(ctx context.Context, x, y int) (*simclient.Actor, error)
}

type Options struct {
	Port     int
	Viewer   types.ViewerConfig
	Frames   FrameSource
	Spawner  Spawner
	StatusFn func() map[string]any
	ActorsFn func() any
	Log      *zap.Logger
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	opts     Options
	log      *zap.Logger
	baseCtx  context.Context

	latestMu sync.Mutex
	latest   []byte

	broadcastFrames atomic.Uint64
	spawnRequests   atomic.Uint64
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	opts.Viewer.Type = "config"
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		opts:    opts,
		log:     log,
		baseCtx: context.Background(),
	}
}

// Run serves the viewer until ctx is done. It is the only reader of
// opts.Frames.
func Run(ctx context.Context, opts Options) error {
	srv := New(opts)
	srv.baseCtx = ctx
	handler, err := srv.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		srv.closeClients()
	}()

	go srv.broadcast(ctx)

	srv.log.Info("viewer listening", zap.Int("port", opts.Port))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/actors", s.handleActors)
	return mux, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()
	s.log.Debug("viewer connected", zap.String("remote", conn.RemoteAddr().String()))

	_ = s.writeJSON(conn, writeMu, s.opts.Viewer)

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request types.ViewerRequest
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			switch request.Type {
			case "click":
				_ = s.writeJSON(conn, writeMu, s.spawn(request.X, request.Y))
			case "frame_request":
				if latest := s.latestFrame(); latest != nil {
					_ = s.writeMessage(conn, writeMu, websocket.BinaryMessage, latest)
				}
			}
		}
	}()
}

// spawn runs on the viewer's read goroutine. A failure is reported to that
// viewer only; the frame feed is not touched.
func (s *Server) spawn(x, y int) types.SpawnResult {
	s.spawnRequests.Add(1)
	result := types.SpawnResult{Type: "spawn_result"}
	if s.opts.Spawner == nil {
		result.Error = "spawning disabled"
		return result
	}
	actor, err := s.opts.Spawner.SpawnAt(s.baseCtx, x, y)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	loc := actor.Transform.Location
	result.OK = true
	result.ActorID = actor.ID
	result.Location = &loc
	return result
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"width":        s.opts.Viewer.Width,
		"height":       s.opts.Viewer.Height,
		"pixel_format": s.opts.Viewer.PixelFormat,
		"blueprint":    s.opts.Viewer.Blueprint,
		"port":         s.opts.Port,
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.opts.StatusFn != nil {
		if status := s.opts.StatusFn(); status != nil {
			payload = status
		}
	}
	payload["ws_clients"] = s.clientCount()
	payload["frames_broadcast"] = s.broadcastFrames.Load()
	payload["spawn_requests"] = s.spawnRequests.Load()
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleActors(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var payload any = []any{}
	if s.opts.ActorsFn != nil {
		payload = s.opts.ActorsFn()
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) broadcast(ctx context.Context) {
	if s.opts.Frames == nil {
		return
	}
	for {
		f, err := s.opts.Frames.NextFrame(ctx)
		if err != nil {
			s.log.Debug("frame broadcast stopped", zap.Error(err))
			return
		}
		payload := EncodeFrame(f)
		s.latestMu.Lock()
		s.latest = payload
		s.latestMu.Unlock()

		var stale []*websocket.Conn
		s.mu.Lock()
		for conn, writeMu := range s.clients {
			if err := s.writeMessage(conn, writeMu, websocket.BinaryMessage, payload); err != nil {
				stale = append(stale, conn)
			}
		}
		s.mu.Unlock()
		for _, conn := range stale {
			s.removeClient(conn)
		}
		s.broadcastFrames.Add(1)
	}
}

// EncodeFrame lays out f as the viewer's binary frame message.
func EncodeFrame(f frame.Frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.Pixels))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Width))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.Height))
	binary.LittleEndian.PutUint64(buf[8:16], f.Seq)
	copy(buf[frameHeaderSize:], f.Pixels)
	return buf
}

func (s *Server) latestFrame() []byte {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	return s.latest
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if ok {
		s.log.Debug("viewer disconnected", zap.String("remote", conn.RemoteAddr().String()))
	}
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.removeClient(conn)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
