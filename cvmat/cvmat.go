// Package cvmat converts frames to OpenCV matrices and measures image
// quality for rig checks.
package cvmat

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	stereocapture "github.com/e7canasta/stereo-capture"
	"github.com/e7canasta/stereo-capture/driver"
)

// MatType returns the OpenCV element type for a pixel format.
func MatType(p driver.PixelFormat) (gocv.MatType, error) {
	switch p {
	case driver.PixelMono8, driver.PixelBayerRG8, driver.PixelBayerGR8:
		return gocv.MatTypeCV8UC1, nil
	case driver.PixelMono16:
		return gocv.MatTypeCV16UC1, nil
	case driver.PixelRGB8, driver.PixelBGR8:
		return gocv.MatTypeCV8UC3, nil
	default:
		return 0, fmt.Errorf("cvmat: unsupported pixel format %q", p)
	}
}

// ToMat copies f into a new Mat in its native format. The caller must Close it.
func ToMat(f stereocapture.Frame) (gocv.Mat, error) {
	mt, err := MatType(f.PixelFormat)
	if err != nil {
		return gocv.NewMat(), err
	}
	size := f.Stride() * f.Height
	if size == 0 || len(f.Data) < size {
		return gocv.NewMat(), fmt.Errorf("cvmat: %d bytes for %dx%d %s", len(f.Data), f.Width, f.Height, f.PixelFormat)
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Data[:size])
}

// ToBGR converts f to an 8-bit BGR Mat, demosaicing Bayer formats.
func ToBGR(f stereocapture.Frame) (gocv.Mat, error) {
	src, err := ToMat(f)
	if err != nil {
		return src, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	switch f.PixelFormat {
	case driver.PixelBGR8:
		src.CopyTo(&dst)
	case driver.PixelRGB8:
		gocv.CvtColor(src, &dst, gocv.ColorRGBToBGR)
	// OpenCV names Bayer patterns after the second row of the mosaic.
	case driver.PixelBayerRG8:
		gocv.CvtColor(src, &dst, gocv.ColorBayerBGToBGR)
	case driver.PixelBayerGR8:
		gocv.CvtColor(src, &dst, gocv.ColorBayerGBToBGR)
	case driver.PixelMono16:
		gray := gocv.NewMat()
		defer gray.Close()
		src.ConvertToWithParams(&gray, gocv.MatTypeCV8U, 1.0/256, 0)
		gocv.CvtColor(gray, &dst, gocv.ColorGrayToBGR)
	default:
		gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
	}
	return dst, nil
}

// ToGray converts f to an 8-bit single channel Mat.
func ToGray(f stereocapture.Frame) (gocv.Mat, error) {
	switch f.PixelFormat {
	case driver.PixelMono8:
		return ToMat(f)
	case driver.PixelMono16:
		src, err := ToMat(f)
		if err != nil {
			return src, err
		}
		defer src.Close()
		dst := gocv.NewMat()
		src.ConvertToWithParams(&dst, gocv.MatTypeCV8U, 1.0/256, 0)
		return dst, nil
	}

	bgr, err := ToBGR(f)
	if err != nil {
		return bgr, err
	}
	defer bgr.Close()
	dst := gocv.NewMat()
	gocv.CvtColor(bgr, &dst, gocv.ColorBGRToGray)
	return dst, nil
}

// Metrics describes the exposure and focus of one frame.
type Metrics struct {
	// Brightness is the mean gray level, 0-255
	Brightness float64
	// Contrast is the standard deviation of the gray level
	Contrast float64
	// Sharpness is the variance of the Laplacian; low values mean blur
	Sharpness float64
	// Saturated is the fraction of pixels at 255
	Saturated float64
	// Dark is the fraction of pixels at 0
	Dark float64
}

// Measure computes Metrics for f.
func Measure(f stereocapture.Frame) (Metrics, error) {
	gray, err := ToGray(f)
	if err != nil {
		return Metrics{}, err
	}
	defer gray.Close()

	var m Metrics
	total := float64(gray.Rows() * gray.Cols())
	if total == 0 {
		return m, fmt.Errorf("cvmat: empty frame")
	}

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(gray, &mean, &stddev)
	m.Brightness = mean.GetDoubleAt(0, 0)
	m.Contrast = stddev.GetDoubleAt(0, 0)

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)
	lapMean := gocv.NewMat()
	defer lapMean.Close()
	lapStd := gocv.NewMat()
	defer lapStd.Close()
	gocv.MeanStdDev(lap, &lapMean, &lapStd)
	sd := lapStd.GetDoubleAt(0, 0)
	m.Sharpness = sd * sd

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(gray, &mask, 254, 255, gocv.ThresholdBinary)
	m.Saturated = float64(gocv.CountNonZero(mask)) / total
	m.Dark = 1 - float64(gocv.CountNonZero(gray))/total

	return m, nil
}

// PairMetrics compares the two frames of a pair.
type PairMetrics struct {
	Left  Metrics
	Right Metrics
	// BrightnessRatio is left over right brightness, 1 for matched exposure
	BrightnessRatio float64
}

// MeasurePair computes Metrics for both frames of p.
func MeasurePair(p stereocapture.StereoPair) (PairMetrics, error) {
	var pm PairMetrics
	var err error
	if pm.Left, err = Measure(p.Left); err != nil {
		return pm, fmt.Errorf("left: %w", err)
	}
	if pm.Right, err = Measure(p.Right); err != nil {
		return pm, fmt.Errorf("right: %w", err)
	}
	switch {
	case pm.Right.Brightness > 0:
		pm.BrightnessRatio = pm.Left.Brightness / pm.Right.Brightness
	case pm.Left.Brightness == 0:
		pm.BrightnessRatio = 1
	default:
		pm.BrightnessRatio = math.Inf(1)
	}
	return pm, nil
}

// Balanced reports whether both cameras see similar exposure, within tol
// (e.g. 0.15 for 15%).
func (pm PairMetrics) Balanced(tol float64) bool {
	return math.Abs(pm.BrightnessRatio-1) <= tol
}
