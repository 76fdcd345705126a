package simclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// pollInterval bounds how long a stream goroutine can miss a cancellation.
const pollInterval = 200 * time.Millisecond

// Subscription stops a sensor listener. After Close returns the callback is
// never invoked again.
type Subscription interface {
	Close() error
}

type listenResponse struct {
	Endpoint string `json:"endpoint"`
}

// Listen asks the backend to stream sensor's data and invokes fn for every
// decoded payload on a dedicated goroutine.
func (s *Session) Listen(ctx context.Context, sensor *Actor, fn func(SensorData)) (Subscription, error) {
	if sensor == nil || fn == nil {
		return nil, errors.New("listen: nil sensor or callback")
	}
	id := strconv.FormatUint(uint64(sensor.ID), 10)
	status, body, err := s.call(ctx, http.MethodPost, buildPaths(s.baseURL, s.apiVersion, "sensors", id, "listen"), nil)
	if err != nil {
		return nil, fmt.Errorf("listen sensor %d: %w", sensor.ID, err)
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("listen sensor %d: %w", sensor.ID, ErrNotFound)
	}
	if !isSuccess(status) {
		return nil, &APIError{Op: "listen sensor " + id, Status: status, Message: errorMessage(body)}
	}
	var resp listenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("listen sensor %d: decode: %w", sensor.ID, err)
	}
	endpoint, err := resolveEndpoint(resp.Endpoint, s.Host)
	if err != nil {
		return nil, fmt.Errorf("listen sensor %d: %w", sensor.ID, err)
	}

	st, err := s.openStream(endpoint, sensor.ID, fn)
	if err != nil {
		_ = s.stopSensor(sensor.ID)
		return nil, fmt.Errorf("listen sensor %d: %w", sensor.ID, err)
	}
	s.log.Info("sensor stream open", zap.Uint32("sensor", sensor.ID), zap.String("endpoint", endpoint))
	return st, nil
}

// resolveEndpoint replaces a wildcard bind address with the backend host.
func resolveEndpoint(endpoint string, host string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid stream endpoint %q", endpoint)
	}
	h, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", fmt.Errorf("invalid stream endpoint %q: %w", endpoint, err)
	}
	if h == "*" || h == "" || h == "0.0.0.0" {
		h = host
	}
	return u.Scheme + "://" + net.JoinHostPort(h, port), nil
}

func (s *Session) stopSensor(id uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	sid := strconv.FormatUint(uint64(id), 10)
	status, body, err := s.doRequest(ctx, http.MethodPost, buildPaths(s.baseURL, s.apiVersion, "sensors", sid, "stop"), nil)
	if err != nil {
		return fmt.Errorf("stop sensor %d: %w", id, err)
	}
	if !isSuccess(status) && status != http.StatusNotFound {
		return &APIError{Op: "stop sensor " + sid, Status: status, Message: errorMessage(body)}
	}
	return nil
}

// Stream is a running sensor subscription.
type Stream struct {
	session  *Session
	sensorID uint32
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	closeErr error

	received       atomic.Uint64
	decodeFailures atomic.Uint64
	errCount       atomic.Uint64
}

func (s *Session) openStream(endpoint string, sensorID uint32, fn func(SensorData)) (*Stream, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &Stream{
		session:  s,
		sensorID: sensorID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(st.done)
		defer socket.Close()

		poller := zmq4.NewPoller()
		poller.Add(socket, zmq4.POLLIN)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			polled, err := poller.Poll(pollInterval)
			if err != nil {
				st.logEveryN("sensor stream poll error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollInterval):
				}
				continue
			}
			if len(polled) == 0 {
				continue
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				st.logEveryN("sensor stream recv error", zap.Error(err))
				continue
			}
			st.received.Add(1)
			if s.recorder != nil {
				if err := s.recorder.Record(msg); err != nil {
					st.logEveryN("raw log record failed", zap.Error(err))
				}
			}

			data, err := decodeSensorMessage(msg)
			if err != nil {
				if !errors.Is(err, errNotImage) {
					st.decodeFailures.Add(1)
					st.logEveryN("sensor stream decode skipped message", zap.Error(err))
				}
				continue
			}
			if data.ActorID != 0 && data.ActorID != sensorID {
				continue
			}

			// Nothing is delivered once Close has started.
			if ctx.Err() != nil {
				return
			}
			fn(data)
		}
	}()
	return st, nil
}

func (st *Stream) logEveryN(msg string, fields ...zap.Field) {
	n := st.errCount.Add(1)
	if n%uint64(st.session.logEvery) == 0 {
		st.session.log.Warn(msg, append(fields, zap.Uint32("sensor", st.sensorID), zap.Uint64("occurrences", n))...)
	}
}

// Close stops the receive goroutine, waits for it, then tells the backend to
// stop streaming. Safe to call more than once.
func (st *Stream) Close() error {
	st.once.Do(func() {
		st.cancel()
		<-st.done
		st.closeErr = st.session.stopSensor(st.sensorID)
		st.session.log.Info("sensor stream closed",
			zap.Uint32("sensor", st.sensorID),
			zap.Uint64("received", st.received.Load()),
			zap.Uint64("decode_failures", st.decodeFailures.Load()),
		)
	})
	return st.closeErr
}
