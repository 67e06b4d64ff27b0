package ocr

import (
	"image"
	"image/draw"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// FrameMetrics are the per-frame measurements the quality gate decides on.
type FrameMetrics struct {
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	LaplacianVar float64  `json:"laplacian_variance"`
	Brightness   float64  `json:"brightness"`
	SkewAngle    *float64 `json:"skew_angle,omitempty"`
}

type qualityGate struct {
	opts Options
}

// Measure computes the frame metrics of img.
func (g qualityGate) Measure(img image.Image) FrameMetrics {
	bounds := img.Bounds()
	m := FrameMetrics{Width: bounds.Dx(), Height: bounds.Dy()}
	if m.Width == 0 || m.Height == 0 {
		return m
	}

	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)

	m.LaplacianVar = laplacianVariance(gray)
	m.Brightness = brightness(gray)
	if !g.opts.SkipSkew {
		m.SkewAngle = detectSkew(gray)
	}
	return m
}

// Check classifies a frame as a detection status. Only Success frames are read.
func (g qualityGate) Check(img image.Image) (models.RecognitionStatus, FrameMetrics) {
	m := g.Measure(img)
	switch {
	case m.Width < g.opts.MinWidth || m.Height < g.opts.MinHeight:
		return models.StatusDetectionCameraTooHigh, m
	case m.Brightness < g.opts.DarkThreshold:
		return models.StatusDetectionFail, m
	case m.LaplacianVar <= g.opts.BlurThreshold:
		return models.StatusDetectionFail, m
	case m.SkewAngle != nil && math.Abs(*m.SkewAngle) > g.opts.MaxSkew:
		return models.StatusDetectionCameraAtAngle, m
	}
	return models.StatusDetectionSuccess, m
}

func laplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 {
		return 0
	}
	data := make([]float64, 0, (b.Dx()-2)*(b.Dy()-2))
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			center := float64(gray.GrayAt(x, y).Y)
			top := float64(gray.GrayAt(x, y-1).Y)
			bottom := float64(gray.GrayAt(x, y+1).Y)
			left := float64(gray.GrayAt(x-1, y).Y)
			right := float64(gray.GrayAt(x+1, y).Y)
			data = append(data, -4*center+top+bottom+left+right)
		}
	}
	return stat.Variance(data, nil)
}

func brightness(gray *image.Gray) float64 {
	b := gray.Bounds()
	var total float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			total += float64(gray.GrayAt(x, y).Y)
		}
	}
	return total / float64(b.Dx()*b.Dy())
}

// detectSkew fits a line through strong Sobel edges and returns its angle in
// degrees, normalized to [-45, 45]. Nil when there are too few edges.
func detectSkew(gray *image.Gray) *float64 {
	b := gray.Bounds()
	var xs, ys []float64
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			gx := -int(gray.GrayAt(x-1, y-1).Y) + int(gray.GrayAt(x+1, y-1).Y) -
				2*int(gray.GrayAt(x-1, y).Y) + 2*int(gray.GrayAt(x+1, y).Y) -
				int(gray.GrayAt(x-1, y+1).Y) + int(gray.GrayAt(x+1, y+1).Y)
			gy := -int(gray.GrayAt(x-1, y-1).Y) - 2*int(gray.GrayAt(x, y-1).Y) - int(gray.GrayAt(x+1, y-1).Y) +
				int(gray.GrayAt(x-1, y+1).Y) + 2*int(gray.GrayAt(x, y+1).Y) + int(gray.GrayAt(x+1, y+1).Y)
			if math.Sqrt(float64(gx*gx+gy*gy)) > 50 {
				xs = append(xs, float64(x))
				ys = append(ys, float64(y))
			}
		}
	}
	if len(xs) < 10 {
		return nil
	}

	meanX, meanY := stat.Mean(xs, nil), stat.Mean(ys, nil)
	var sumXY, sumX2 float64
	for i := range xs {
		dx := xs[i] - meanX
		sumXY += dx * (ys[i] - meanY)
		sumX2 += dx * dx
	}
	angle := 0.0
	if math.Abs(sumX2) >= 1e-10 {
		angle = math.Atan(sumXY/sumX2) * 180 / math.Pi
	}
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		angle = 0
	}
	for angle > 45 {
		angle -= 90
	}
	for angle < -45 {
		angle += 90
	}
	return &angle
}
