package types

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// Location is a world position in meters.
type Location struct {
	X float64 `json:"x" toml:"x" yaml:"x" cbor:"x"`
	Y float64 `json:"y" toml:"y" yaml:"y" cbor:"y"`
	Z float64 `json:"z" toml:"z" yaml:"z" cbor:"z"`
}

// Rotation is an orientation in degrees.
type Rotation struct {
	Pitch float64 `json:"pitch" toml:"pitch" yaml:"pitch" cbor:"pitch"`
	Yaw   float64 `json:"yaw" toml:"yaw" yaml:"yaw" cbor:"yaw"`
	Roll  float64 `json:"roll" toml:"roll" yaml:"roll" cbor:"roll"`
}

type Transform struct {
	Location Location `json:"location" toml:"location" yaml:"location" cbor:"location"`
	Rotation Rotation `json:"rotation" toml:"rotation" yaml:"rotation" cbor:"rotation"`
}

func (l Location) Vec() mgl64.Vec3 {
	return mgl64.Vec3{l.X, l.Y, l.Z}
}

func LocationFromVec(v mgl64.Vec3) Location {
	return Location{X: v.X(), Y: v.Y(), Z: v.Z()}
}

// Distance returns the euclidean distance between two locations.
func (l Location) Distance(other Location) float64 {
	return l.Vec().Sub(other.Vec()).Len()
}

func (l Location) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", l.X, l.Y, l.Z)
}

func (t Transform) String() string {
	return fmt.Sprintf("loc=%s rot=(%.1f, %.1f, %.1f)", t.Location, t.Rotation.Pitch, t.Rotation.Yaw, t.Rotation.Roll)
}
