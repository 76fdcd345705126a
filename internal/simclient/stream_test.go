package simclient

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeSensorMessage(t *testing.T, actorID uint32, frame uint64, raw any) []byte {
	t.Helper()
	msg, err := cbor.Marshal(map[string]any{
		"type":      "image",
		"actor_id":  actorID,
		"frame":     frame,
		"timestamp": 12.5,
		"width":     2,
		"height":    1,
		"raw_data":  raw,
	})
	require.NoError(t, err)
	return msg
}

func TestDecodeSensorMessage(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	data, err := decodeSensorMessage(encodeSensorMessage(t, 7, 42, raw))
	require.NoError(t, err)

	assert.Equal(t, uint32(7), data.ActorID)
	assert.Equal(t, uint64(42), data.Frame)
	assert.Equal(t, 12.5, data.Timestamp)
	assert.Equal(t, 2, data.Width)
	assert.Equal(t, 1, data.Height)
	assert.Equal(t, raw, data.Raw)
}

func TestDecodeSensorMessageTypedArray(t *testing.T) {
	raw := []byte{9, 8, 7, 6}
	data, err := decodeSensorMessage(encodeSensorMessage(t, 7, 1, cbor.Tag{Number: tagUint8, Content: raw}))
	require.NoError(t, err)
	assert.Equal(t, raw, data.Raw)
}

func TestDecodeSensorMessageRejects(t *testing.T) {
	_, err := decodeSensorMessage([]byte{0xff, 0x00})
	assert.Error(t, err)

	other, err := cbor.Marshal(map[string]any{"type": "lidar"})
	require.NoError(t, err)
	_, err = decodeSensorMessage(other)
	assert.ErrorIs(t, err, errNotImage)

	_, err = decodeSensorMessage(encodeSensorMessage(t, 7, 1, cbor.Tag{Number: 70, Content: []byte{1}}))
	assert.Error(t, err)

	_, err = decodeSensorMessage(encodeSensorMessage(t, 7, 1, nil))
	assert.Error(t, err)
}

type memRecorder struct {
	mu      sync.Mutex
	records [][]byte
}

func (m *memRecorder) Record(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, append([]byte(nil), payload...))
	return nil
}

func (m *memRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestListenDeliversAndStops(t *testing.T) {
	push, err := zmq4.NewSocket(zmq4.PUSH)
	require.NoError(t, err)
	defer push.Close()
	require.NoError(t, push.Bind("tcp://127.0.0.1:*"))
	endpoint, err := push.GetLastEndpoint()
	require.NoError(t, err)

	backend := newFakeBackend()
	backend.endpoint = endpoint
	srv := httptest.NewServer(backend.handler("/api/1.0"))
	defer srv.Close()
	host, port := hostPort(t, srv)
	recorder := &memRecorder{}
	s, err := Connect(context.Background(), host, port, WithRecorder(recorder))
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		frames []uint64
	)
	sensor := &Actor{ID: 7, TypeID: "sensor.camera.rgb"}
	sub, err := s.Listen(context.Background(), sensor, func(d SensorData) {
		mu.Lock()
		frames = append(frames, d.Frame)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = push.SendBytes(encodeSensorMessage(t, 7, 1, []byte{1, 2, 3, 4, 5, 6, 7, 8}), 0)
	require.NoError(t, err)
	// payloads for another sensor are filtered out
	_, err = push.SendBytes(encodeSensorMessage(t, 8, 2, []byte{1, 2, 3, 4, 5, 6, 7, 8}), 0)
	require.NoError(t, err)
	_, err = push.SendBytes(encodeSensorMessage(t, 7, 3, []byte{1, 2, 3, 4, 5, 6, 7, 8}), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	mu.Lock()
	assert.Equal(t, []uint64{1, 3}, frames)
	mu.Unlock()
	assert.Equal(t, 3, recorder.count())

	backend.mu.Lock()
	assert.Equal(t, []string{"7"}, backend.stopped)
	backend.mu.Unlock()
}
