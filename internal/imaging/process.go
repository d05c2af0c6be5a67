package imaging

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"
)

// maxStatSamples bounds the number of pixels LumaStats looks at.
const maxStatSamples = 1 << 16

// Stats summarises the luma channel of an image (0-255 scale).
type Stats struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	Samples int     `json:"samples"`
}

// LumaStats computes mean and standard deviation of luma on a regular grid
// of at most maxStatSamples pixels. A black or flat frame shows up as a
// near-zero mean or deviation.
func LumaStats(img image.Image) Stats {
	b := img.Bounds()
	if b.Empty() {
		return Stats{}
	}
	step := 1
	for (b.Dx()/step)*(b.Dy()/step) > maxStatSamples {
		step++
	}

	values := make([]float64, 0, (b.Dx()/step+1)*(b.Dy()/step+1))
	yc, isYCbCr := img.(*image.YCbCr)
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			if isYCbCr {
				values = append(values, float64(yc.Y[yc.YOffset(x, y)]))
				continue
			}
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			values = append(values, float64(g.Y))
		}
	}
	if len(values) < 2 {
		return Stats{Mean: values[0], Samples: len(values)}
	}
	mean, std := stat.MeanStdDev(values, nil)
	return Stats{Mean: mean, StdDev: std, Samples: len(values)}
}

// FitWithin returns the largest size with the aspect ratio of w x h that
// fits into maxW x maxH. Sizes that already fit are returned unchanged.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return w, h
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		nh := h * maxW / w
		return maxW, max(nh, 1)
	}
	nw := w * maxH / h
	return max(nw, 1), maxH
}

// Scale resizes img to w x h with bilinear interpolation.
func Scale(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// TestPattern returns the two-colour debug image: left half blue,
// right half green.
func TestPattern(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	half := w / 2
	draw.Draw(img, image.Rect(0, 0, half, h), &image.Uniform{C: color.NRGBA{0, 0, 255, 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(half, 0, w, h), &image.Uniform{C: color.NRGBA{0, 255, 0, 255}}, image.Point{}, draw.Src)
	return img
}
