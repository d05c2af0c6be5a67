package imaging

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// Frame is a raw pixel buffer as delivered by the camera.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int // bytes per row (luma row for planar formats)
	Format    PixelFormat
	Sequence  uint64
	Timestamp time.Time
}

// NewFrame allocates a zeroed frame with the minimal stride.
func NewFrame(format PixelFormat, width, height int) *Frame {
	stride := format.MinStride(width)
	return &Frame{
		Data:      make([]byte, format.FrameSize(width, height, stride)),
		Width:     width,
		Height:    height,
		Stride:    stride,
		Format:    format,
		Timestamp: time.Now(),
	}
}

// Validate checks the frame geometry against its buffer.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if !f.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if f.Stride < f.Format.MinStride(f.Width) {
		return fmt.Errorf("stride %d smaller than row size %d", f.Stride, f.Format.MinStride(f.Width))
	}
	if need := f.Format.FrameSize(f.Width, f.Height, f.Stride); len(f.Data) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(f.Data), need)
	}
	return nil
}

// BytesUsed returns the number of meaningful bytes in the buffer.
func (f *Frame) BytesUsed() int {
	return f.Format.FrameSize(f.Width, f.Height, f.Stride)
}

// Image converts the buffer to a standard library image, honouring the
// byte order of the pixel format. Packed formats become *image.NRGBA;
// YUV420 becomes an *image.YCbCr that shares the frame's planes.
func (f *Frame) Image() (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Format.Planar() {
		return f.ycbcr(), nil
	}

	ro, gof, bo, err := f.Format.channelOffsets()
	if err != nil {
		return nil, err
	}
	bpp := f.Format.BytesPerPixel()
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*f.Stride : y*f.Stride+f.Width*bpp]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			p := src[x*bpp:]
			d := dst[x*4:]
			d[0] = p[ro]
			d[1] = p[gof]
			d[2] = p[bo]
			d[3] = 0xff
		}
	}
	return img, nil
}

func (f *Frame) ycbcr() *image.YCbCr {
	ySize := f.Stride * f.Height
	cStride := (f.Stride + 1) / 2
	cSize := cStride * ((f.Height + 1) / 2)
	return &image.YCbCr{
		Y:              f.Data[:ySize],
		Cb:             f.Data[ySize : ySize+cSize],
		Cr:             f.Data[ySize+cSize : ySize+2*cSize],
		YStride:        f.Stride,
		CStride:        cStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}

// Pack converts img into a frame of the given format. A stride of 0 selects
// the minimal stride.
func Pack(img image.Image, format PixelFormat, stride int) (*Frame, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if stride == 0 {
		stride = format.MinStride(w)
	}
	if stride < format.MinStride(w) {
		return nil, fmt.Errorf("stride %d smaller than row size %d", stride, format.MinStride(w))
	}
	f := &Frame{
		Data:      make([]byte, format.FrameSize(w, h, stride)),
		Width:     w,
		Height:    h,
		Stride:    stride,
		Format:    format,
		Timestamp: time.Now(),
	}
	if format.Planar() {
		packYUV420(f, img)
		return f, nil
	}

	ro, gof, bo, err := format.channelOffsets()
	if err != nil {
		return nil, err
	}
	bpp := format.BytesPerPixel()
	for y := 0; y < h; y++ {
		row := f.Data[y*stride:]
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			p := row[x*bpp:]
			p[ro] = c.R
			p[gof] = c.G
			p[bo] = c.B
			if bpp == 4 {
				p[3] = 0xff
			}
		}
	}
	return f, nil
}

// packYUV420 writes full resolution luma and 2x2 averaged chroma.
func packYUV420(f *Frame, img image.Image) {
	b := img.Bounds()
	yc := f.ycbcr()
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	sumCb := make([]int, cw*ch)
	sumCr := make([]int, cw*ch)
	count := make([]int, cw*ch)

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			yy, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			yc.Y[y*yc.YStride+x] = yy
			ci := (y/2)*cw + x/2
			sumCb[ci] += int(cb)
			sumCr[ci] += int(cr)
			count[ci]++
		}
	}
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			ci := cy*cw + cx
			if count[ci] == 0 {
				continue
			}
			yc.Cb[cy*yc.CStride+cx] = uint8(sumCb[ci] / count[ci])
			yc.Cr[cy*yc.CStride+cx] = uint8(sumCr[ci] / count[ci])
		}
	}
}
