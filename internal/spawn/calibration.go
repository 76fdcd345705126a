package spawn

import (
	"github.com/go-gl/mathgl/mgl64"

	"sim-editor-go/internal/types"
)

// Calibration maps viewer pixels onto the ground plane of a top-down camera.
// The screen's vertical axis is world X (inverted) and its horizontal axis is
// world Y, both scaled by Scale meters per pixel around (CenterX, CenterY).
type Calibration struct {
	Scale   float64 `json:"scale"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Height  float64 `json:"height"`
}

// ScreenToWorld returns the spawn transform for a click at (x, y).
// Rotation is always identity.
func (c Calibration) ScreenToWorld(x, y int) types.Transform {
	offset := mgl64.Vec3{float64(x) - c.CenterX, float64(y) - c.CenterY, 0}
	// screen (dx, dy) -> world (-dy, dx)
	axes := mgl64.Mat3FromRows(
		mgl64.Vec3{0, -1, 0},
		mgl64.Vec3{1, 0, 0},
		mgl64.Vec3{0, 0, 0},
	)
	world := axes.Mul3x1(offset).Mul(c.Scale)
	world[2] = c.Height
	return types.Transform{Location: types.LocationFromVec(world)}
}

// WorldToScreen is the inverse of ScreenToWorld on the ground plane. It
// returns false when the calibration has no scale.
func (c Calibration) WorldToScreen(loc types.Location) (float64, float64, bool) {
	if c.Scale == 0 {
		return 0, 0, false
	}
	return c.CenterX + loc.Y/c.Scale, c.CenterY - loc.X/c.Scale, true
}
