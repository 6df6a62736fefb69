package cvmat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
)

func monoFrame(w, h int, fill byte) stereocapture.Frame {
	return stereocapture.Frame{
		Camera:      "left",
		Data:        bytes.Repeat([]byte{fill}, w*h),
		Width:       w,
		Height:      h,
		PixelFormat: driver.PixelMono8,
	}
}

func TestMatType(t *testing.T) {
	tests := []struct {
		format driver.PixelFormat
		want   gocv.MatType
	}{
		{driver.PixelMono8, gocv.MatTypeCV8UC1},
		{driver.PixelBayerRG8, gocv.MatTypeCV8UC1},
		{driver.PixelMono16, gocv.MatTypeCV16UC1},
		{driver.PixelRGB8, gocv.MatTypeCV8UC3},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			mt, err := MatType(tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mt)
		})
	}

	_, err := MatType("YUV422")
	assert.Error(t, err)
}

func TestToMat(t *testing.T) {
	m, err := ToMat(monoFrame(16, 8, 7))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 8, m.Rows())
	assert.Equal(t, 16, m.Cols())
	assert.Equal(t, uint8(7), m.GetUCharAt(3, 5))

	short := monoFrame(16, 8, 0)
	short.Data = short.Data[:10]
	empty, err := ToMat(short)
	defer empty.Close()
	assert.Error(t, err)
}

func TestMeasureFlatFrame(t *testing.T) {
	m, err := Measure(monoFrame(32, 32, 128))
	require.NoError(t, err)

	assert.InDelta(t, 128, m.Brightness, 0.01)
	assert.InDelta(t, 0, m.Contrast, 0.01)
	assert.InDelta(t, 0, m.Sharpness, 0.01)
	assert.Zero(t, m.Saturated)
	assert.Zero(t, m.Dark)
}

func TestMeasureSaturation(t *testing.T) {
	f := monoFrame(10, 10, 255)
	for i := 0; i < 50; i++ {
		f.Data[i] = 0
	}

	m, err := Measure(f)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.Saturated, 0.001)
	assert.InDelta(t, 0.5, m.Dark, 0.001)
	assert.Greater(t, m.Sharpness, 0.0, "edge between halves")
}

func TestMeasurePair(t *testing.T) {
	p := stereocapture.StereoPair{Left: monoFrame(8, 8, 100), Right: monoFrame(8, 8, 100)}
	pm, err := MeasurePair(p)
	require.NoError(t, err)
	assert.InDelta(t, 1, pm.BrightnessRatio, 0.001)
	assert.True(t, pm.Balanced(0.1))

	p.Right = monoFrame(8, 8, 50)
	pm, err = MeasurePair(p)
	require.NoError(t, err)
	assert.InDelta(t, 2, pm.BrightnessRatio, 0.001)
	assert.False(t, pm.Balanced(0.1))
}
