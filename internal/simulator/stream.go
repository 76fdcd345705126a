package simulator

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"sim-editor-go/internal/frame"
	"sim-editor-go/internal/simclient"
)

type stream struct {
	world  *World
	sensor uint32
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the render loop and waits for it, so fn is never called after
// Close returns.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.world.mu.Lock()
		if s.world.streams[s.sensor] == s {
			delete(s.world.streams, s.sensor)
		}
		s.world.mu.Unlock()
	})
	return nil
}

// startStream launches the render loop. Callers hold w.mu.
func (w *World) startStream(sensor uint32, width, height int, fn func(simclient.SensorData)) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	st := &stream{world: w, sensor: sensor, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(st.done)

		interval := time.Duration(float64(time.Second) / w.cfg.FrameRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		background := renderBackground(width, height)
		start := time.Now()
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				w.log.Debug("simulated stream stopped", zap.Uint32("sensor", sensor), zap.Uint64("frames", seq))
				return
			case <-ticker.C:
			}
			seq++
			// every frame gets its own buffer; the consumer keeps a reference
			pixels := make([]byte, len(background))
			copy(pixels, background)
			w.drawVehicles(pixels, width, height)

			if ctx.Err() != nil {
				continue
			}
			fn(simclient.SensorData{
				ActorID:   sensor,
				Frame:     seq,
				Timestamp: time.Since(start).Seconds(),
				Width:     width,
				Height:    height,
				Raw:       pixels,
			})
		}
	}()
	return st
}

// renderBackground draws a ground plane with a radial falloff and a grid.
func renderBackground(width, height int) []byte {
	buf := make([]byte, width*height*frame.BytesPerPixel)
	cx, cy := float64(width)/2, float64(height)/2
	maxDist := math.Hypot(cx, cy)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy) / maxDist
			shade := byte(90 - 40*d)
			if x%64 == 0 || y%64 == 0 {
				shade += 30
			}
			i := (y*width + x) * frame.BytesPerPixel
			buf[i] = shade
			buf[i+1] = shade + 10
			buf[i+2] = shade
			buf[i+3] = 255
		}
	}
	return buf
}

func (w *World) drawVehicles(pixels []byte, width, height int) {
	cal := w.cfg.Calibration
	if cal.Scale <= 0 {
		return
	}
	half := int(math.Max(2, vehicleSize/cal.Scale/2))
	for _, v := range w.vehicles() {
		px, py, ok := cal.WorldToScreen(v.actor.Transform.Location)
		if !ok {
			continue
		}
		x0, y0 := int(math.Round(px))-half, int(math.Round(py))-half
		for y := max(y0, 0); y < min(y0+2*half, height); y++ {
			for x := max(x0, 0); x < min(x0+2*half, width); x++ {
				i := (y*width + x) * frame.BytesPerPixel
				pixels[i] = v.color[0]
				pixels[i+1] = v.color[1]
				pixels[i+2] = v.color[2]
				pixels[i+3] = 255
			}
		}
	}
}
