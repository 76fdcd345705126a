package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sim-editor-go/internal/frame"
	"sim-editor-go/internal/simclient"
	"sim-editor-go/internal/types"
)

const testW, testH = 4, 2

type fakeSub struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeBackend struct {
	mu        sync.Mutex
	findErr   error
	spawnErr  error
	listenErr error
	spawned   []*simclient.Blueprint
	destroyed map[uint32]int
	fn        func(simclient.SensorData)
	sub       *fakeSub
	base      *simclient.Blueprint
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		destroyed: make(map[uint32]int),
		sub:       &fakeSub{},
		base:      &simclient.Blueprint{ID: "sensor.camera.rgb", Attributes: map[string]string{"fov": "90"}},
	}
}

func (f *fakeBackend) FindBlueprint(_ context.Context, id string) (*simclient.Blueprint, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.base, nil
}

func (f *fakeBackend) SpawnActor(_ context.Context, bp *simclient.Blueprint, tf types.Transform) (*simclient.Actor, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, bp)
	return &simclient.Actor{ID: 11, TypeID: bp.ID, Transform: tf}, nil
}

func (f *fakeBackend) DestroyActor(_ context.Context, a *simclient.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[a.ID]++
	return nil
}

func (f *fakeBackend) Listen(_ context.Context, _ *simclient.Actor, fn func(simclient.SensorData)) (simclient.Subscription, error) {
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	f.fn = fn
	return f.sub, nil
}

func (f *fakeBackend) deliver(seq uint64, size int) {
	f.fn(simclient.SensorData{ActorID: 11, Frame: seq, Raw: make([]byte, size)})
}

func (f *fakeBackend) destroyCount(id uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[id]
}

func testConfig() Config {
	return Config{
		Blueprint: "sensor.camera.rgb",
		Width:     testW,
		Height:    testH,
		Mount:     types.Transform{Location: types.Location{Z: 100}, Rotation: types.Rotation{Pitch: -90}},
	}
}

func startBridge(t *testing.T) (*Bridge, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	b := New(nil)
	require.NoError(t, b.Start(context.Background(), backend, testConfig()))
	require.Equal(t, Subscribed, b.State())
	return b, backend
}

const frameSize = testW * testH * 4

func TestLatestWins(t *testing.T) {
	b, backend := startBridge(t)

	const n = 25
	for i := uint64(1); i <= n; i++ {
		backend.deliver(i, frameSize)
	}

	f, err := b.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(n), f.Seq)
	assert.Equal(t, testW, f.Width)
	assert.Len(t, f.Pixels, frameSize)

	_, ok := b.TryFrame()
	assert.False(t, ok, "a read frame must not be handed out again")

	st := b.Stats()
	assert.Equal(t, uint64(n), st.Published)
	assert.Equal(t, uint64(n-1), st.Dropped)
	assert.Equal(t, uint64(1), st.Consumed)
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	b, backend := startBridge(t)

	backend.deliver(1, frameSize)
	backend.deliver(2, frameSize-1)

	f, err := b.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq, "latest good frame survives a malformed one")

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(2), st.Received)
}

func TestCameraAttributes(t *testing.T) {
	backend := newFakeBackend()
	b := New(nil)
	cfg := testConfig()
	cfg.FOV = 110
	require.NoError(t, b.Start(context.Background(), backend, cfg))

	require.Len(t, backend.spawned, 1)
	bp := backend.spawned[0]
	v, _ := bp.Attribute(simclient.AttrImageSizeX)
	assert.Equal(t, "4", v)
	v, _ = bp.Attribute(simclient.AttrImageSizeY)
	assert.Equal(t, "2", v)
	v, _ = bp.Attribute(simclient.AttrFOV)
	assert.Equal(t, "110", v)

	_, ok := backend.base.Attribute(simclient.AttrImageSizeX)
	assert.False(t, ok, "looked-up blueprint must not be mutated")
	assert.Equal(t, uint32(11), b.Sensor().ID)
}

func TestStopTwice(t *testing.T) {
	b, backend := startBridge(t)

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, Unsubscribed, b.State())

	err := b.Stop(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStopped)
	assert.Equal(t, 1, backend.destroyCount(11))
	assert.Equal(t, 1, backend.sub.closed)
}

func TestStopBeforeStart(t *testing.T) {
	b := New(nil)
	assert.ErrorIs(t, b.Stop(context.Background()), ErrNotStarted)
	assert.Equal(t, Uninitialized, b.State())
}

func TestStartTwice(t *testing.T) {
	b, backend := startBridge(t)
	assert.ErrorIs(t, b.Start(context.Background(), backend, testConfig()), ErrAlreadyStarted)
}

func TestStartFailures(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(f *fakeBackend)
		destroy int
	}{
		{"blueprint", func(f *fakeBackend) { f.findErr = simclient.ErrNotFound }, 0},
		{"spawn", func(f *fakeBackend) { f.spawnErr = &simclient.SpawnError{Reason: "occupied"} }, 0},
		{"listen", func(f *fakeBackend) { f.listenErr = errors.New("stream refused") }, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend()
			tc.setup(backend)
			b := New(nil)

			err := b.Start(context.Background(), backend, testConfig())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSensorInit)
			assert.Equal(t, Uninitialized, b.State())
			assert.Equal(t, tc.destroy, backend.destroyCount(11))
		})
	}
}

func TestStartInvalidResolution(t *testing.T) {
	for _, dims := range [][2]int{{0, testH}, {testW, -1}, {1 << 31, 1 << 31}, {frame.MaxDimension + 1, testH}} {
		cfg := testConfig()
		cfg.Width, cfg.Height = dims[0], dims[1]
		backend := newFakeBackend()
		err := New(nil).Start(context.Background(), backend, cfg)
		assert.ErrorIs(t, err, ErrSensorInit, "dims %v", dims)
		assert.Empty(t, backend.spawned, "dims %v", dims)
	}
}

func TestStreamGeometryMismatchIsMalformed(t *testing.T) {
	b, backend := startBridge(t)

	backend.fn(simclient.SensorData{ActorID: 11, Frame: 1, Width: testW, Height: testH, Raw: make([]byte, frameSize)})
	// a larger payload at another resolution would otherwise decode with the wrong stride
	backend.fn(simclient.SensorData{ActorID: 11, Frame: 2, Width: testW / 2, Height: testH * 4, Raw: make([]byte, frameSize*2)})

	f, err := b.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(1), st.Published)
}

func TestDeliveryAfterStopIsNotPublished(t *testing.T) {
	b, backend := startBridge(t)
	backend.deliver(1, frameSize)
	require.NoError(t, b.Stop(context.Background()))

	backend.deliver(2, frameSize)
	st := b.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Published)
	_, ok := b.TryFrame()
	assert.False(t, ok)
}

func TestNextFrameWaits(t *testing.T) {
	b, backend := startBridge(t)

	got := make(chan uint64, 1)
	go func() {
		f, err := b.NextFrame(context.Background())
		if err == nil {
			got <- f.Seq
		}
	}()

	select {
	case <-got:
		t.Fatal("NextFrame returned before any frame was published")
	case <-time.After(20 * time.Millisecond):
	}

	backend.deliver(9, frameSize)
	select {
	case seq := <-got:
		assert.Equal(t, uint64(9), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("NextFrame did not wake up")
	}
}

func TestNextFrameContextCancel(t *testing.T) {
	b, _ := startBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.NextFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopWakesConsumer(t *testing.T) {
	b, _ := startBridge(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.NextFrame(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Stop(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer still blocked after Stop")
	}
}

func TestPublishDoesNotBlockWithoutConsumer(t *testing.T) {
	b, backend := startBridge(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i <= 10000; i++ {
			backend.deliver(i, frameSize)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish path blocked")
	}
	f, ok := b.TryFrame()
	require.True(t, ok)
	assert.Equal(t, uint64(10000), f.Seq)
}

func TestConcurrentDeliveryIsMonotonic(t *testing.T) {
	b, backend := startBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 2000
	go func() {
		for i := uint64(1); i <= n; i++ {
			backend.deliver(i, frameSize)
		}
	}()

	var last uint64
	for last < n {
		f, err := b.NextFrame(ctx)
		require.NoError(t, err)
		require.Greater(t, f.Seq, last)
		last = f.Seq
	}
}
