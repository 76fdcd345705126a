package simclient

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 typed array tag for uint8 data.
const tagUint8 = 64

// SensorData is one camera payload as delivered by the backend.
type SensorData struct {
	ActorID   uint32
	Frame     uint64
	Timestamp float64
	Width     int
	Height    int
	Raw       []byte
}

// Wire shape on the sensor stream:
// { "type": "image", "actor_id": <uint>, "frame": <uint>, "timestamp": <float>,
//   "width": <int>, "height": <int>, "raw_data": <bytes | tag 64 bytes> }
type sensorMessage struct {
	Type      string  `cbor:"type"`
	ActorID   uint32  `cbor:"actor_id"`
	Frame     uint64  `cbor:"frame"`
	Timestamp float64 `cbor:"timestamp"`
	Width     int     `cbor:"width"`
	Height    int     `cbor:"height"`
	RawData   any     `cbor:"raw_data"`
}

var errNotImage = errors.New("not an image message")

func decodeSensorMessage(msg []byte) (SensorData, error) {
	var payload sensorMessage
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return SensorData{}, fmt.Errorf("sensor message: %w", err)
	}
	if payload.Type != "image" {
		return SensorData{}, fmt.Errorf("%w: type %q", errNotImage, payload.Type)
	}
	raw, err := extractBytes(payload.RawData)
	if err != nil {
		return SensorData{}, fmt.Errorf("sensor message frame %d: %w", payload.Frame, err)
	}
	return SensorData{
		ActorID:   payload.ActorID,
		Frame:     payload.Frame,
		Timestamp: payload.Timestamp,
		Width:     payload.Width,
		Height:    payload.Height,
		Raw:       raw,
	}, nil
}

func extractBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		if v.Number != tagUint8 {
			return nil, fmt.Errorf("unsupported raw_data tag %d", v.Number)
		}
		data, ok := v.Content.([]byte)
		if !ok {
			return nil, fmt.Errorf("unsupported typed array content %T", v.Content)
		}
		return data, nil
	case nil:
		return nil, errors.New("missing raw_data")
	default:
		return nil, fmt.Errorf("unsupported raw_data type %T", v)
	}
}
