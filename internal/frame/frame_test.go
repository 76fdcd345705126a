package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAliasesPayload(t *testing.T) {
	const w, h = 4, 3
	raw := make([]byte, w*h*BytesPerPixel+10)
	for i := range raw {
		raw[i] = byte(i)
	}

	f, err := Decode(raw, w, h)
	require.NoError(t, err)

	assert.Equal(t, w, f.Width)
	assert.Equal(t, h, f.Height)
	assert.Equal(t, BGRA8, f.Format)
	assert.Len(t, f.Pixels, w*h*BytesPerPixel)
	assert.Equal(t, w*h*BytesPerPixel, cap(f.Pixels))
	assert.Same(t, &raw[0], &f.Pixels[0], "decode must not copy the payload")

	// writes through the payload are visible in the frame
	raw[5] = 0xEE
	assert.Equal(t, byte(0xEE), f.Pixels[5])
}

func TestDecodeAppendDoesNotClobberPayloadTail(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 9, 9}
	f, err := Decode(raw, 1, 1)
	require.NoError(t, err)

	grown := append(f.Pixels, 7)
	assert.Equal(t, byte(9), raw[4])
	assert.Equal(t, byte(7), grown[4])
}

func TestDecodeExactLength(t *testing.T) {
	raw := make([]byte, 2*2*BytesPerPixel)
	f, err := Decode(raw, 2, 2)
	require.NoError(t, err)
	assert.Len(t, f.Pixels, len(raw))
}

func TestDecodeShortPayload(t *testing.T) {
	raw := make([]byte, 15)
	_, err := Decode(raw, 2, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	var malformed *MalformedFrameError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 16, malformed.Want)
	assert.Equal(t, 15, malformed.Got)
}

func TestDecodeInvalidGeometry(t *testing.T) {
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-1, 4}, {MaxDimension + 1, 1}, {1, MaxDimension + 1}} {
		_, err := Decode(make([]byte, 64), dims[0], dims[1])
		assert.ErrorIs(t, err, ErrMalformedFrame, "dims %v", dims)
	}
}

func TestPixel(t *testing.T) {
	raw := []byte{
		1, 2, 3, 4, 5, 6, 7, 8,
		9, 10, 11, 12, 13, 14, 15, 16,
	}
	f, err := Decode(raw, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, f.Stride())

	b, g, r, a, ok := f.Pixel(1, 1)
	require.True(t, ok)
	assert.Equal(t, []uint8{13, 14, 15, 16}, []uint8{b, g, r, a})

	_, _, _, _, ok = f.Pixel(2, 0)
	assert.False(t, ok)
}

func TestDecodeRejectsOverflowingGeometry(t *testing.T) {
	_, err := Decode([]byte{}, 1<<31, 1<<31)
	require.Error(t, err)

	var malformed *MalformedFrameError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, err.Error(), "invalid geometry")
}

func TestDecodeLargestGeometry(t *testing.T) {
	assert.True(t, ValidGeometry(MaxDimension, MaxDimension))
	assert.False(t, ValidGeometry(MaxDimension, MaxDimension+1))

	_, err := Decode(make([]byte, 16), MaxDimension, MaxDimension)
	var malformed *MalformedFrameError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, MaxDimension*MaxDimension*BytesPerPixel, malformed.Want)
}
