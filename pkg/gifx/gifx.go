package gifx

// Package gifx is the animated-media layer: it decodes animated GIFs into full
// RGB frames, re-encodes frame sequences, and pastes outlined thumbnails onto
// frames for presentation composites.

import (
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"os"

	"github.com/bmharper/cimg/v2"
	"github.com/fogleman/gg"
)

// Delay unit is 100ths of a second, per the GIF spec
const DefaultFrameDelay = 4

// Animation is a decoded GIF: full RGB frames, all the same size
type Animation struct {
	Frames    []*cimg.Image
	Delays    []int // Per-frame delay in 100ths of a second
	LoopCount int
}

// Load decodes an animated GIF from disk.
// Frames are composed onto a running canvas, so partial-frame updates come out
// as full frames. Background-disposal GIFs are treated as cumulative, which is
// correct for everything this toolkit produces.
func Load(filename string) (*Animation, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to open GIF %v: %w", filename, err)
	}
	defer f.Close()
	decoded, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode GIF %v: %w", filename, err)
	}
	if len(decoded.Image) == 0 {
		return nil, fmt.Errorf("GIF %v has no frames", filename)
	}
	width := decoded.Config.Width
	height := decoded.Config.Height
	if width == 0 || height == 0 {
		bounds := decoded.Image[0].Bounds()
		width = bounds.Max.X
		height = bounds.Max.Y
	}
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	anim := &Animation{LoopCount: decoded.LoopCount}
	for i, frame := range decoded.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		anim.Frames = append(anim.Frames, FromRGBA(canvas))
		delay := DefaultFrameDelay
		if i < len(decoded.Delay) && decoded.Delay[i] > 0 {
			delay = decoded.Delay[i]
		}
		anim.Delays = append(anim.Delays, delay)
	}
	return anim, nil
}

// Save encodes the animation to a GIF file. Frames are palettized with
// Floyd-Steinberg dithering over the Plan9 palette.
func (a *Animation) Save(filename string) error {
	if len(a.Frames) == 0 {
		return fmt.Errorf("Animation has no frames")
	}
	out := &gif.GIF{LoopCount: a.LoopCount}
	for i, frame := range a.Frames {
		rgba := ToRGBA(frame)
		paletted := image.NewPaletted(rgba.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, rgba.Bounds(), rgba, image.Point{})
		out.Image = append(out.Image, paletted)
		out.Delay = append(out.Delay, a.delayAt(i))
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return gif.EncodeAll(f, out)
}

func (a *Animation) delayAt(i int) int {
	if i < len(a.Delays) && a.Delays[i] > 0 {
		return a.Delays[i]
	}
	return DefaultFrameDelay
}

// FrameSize returns the dimensions of the first frame
func (a *Animation) FrameSize() (width, height int) {
	if len(a.Frames) == 0 {
		return 0, 0
	}
	return a.Frames[0].Width, a.Frames[0].Height
}

// ToRGBA copies an RGB cimg image into a stdlib RGBA image
func ToRGBA(img *cimg.Image) *image.RGBA {
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < img.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}
	return rgba
}

// FromRGBA copies a stdlib RGBA image into an RGB cimg image, dropping alpha
func FromRGBA(rgba *image.RGBA) *cimg.Image {
	width := rgba.Bounds().Dx()
	height := rgba.Bounds().Dy()
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for y := 0; y < height; y++ {
		src := rgba.Pix[y*rgba.Stride:]
		dst := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return img
}

// PasteWithOutline draws thumb onto dst at (x, y) and strokes a white outline
// around it, modifying dst in place
func PasteWithOutline(dst, thumb *cimg.Image, x, y, outlineWidth int) error {
	if x < 0 || y < 0 || x+thumb.Width > dst.Width || y+thumb.Height > dst.Height {
		return fmt.Errorf("Thumbnail %v x %v at (%v, %v) does not fit inside %v x %v", thumb.Width, thumb.Height, x, y, dst.Width, dst.Height)
	}
	rgba := ToRGBA(dst)
	dc := gg.NewContextForRGBA(rgba)
	dc.DrawImage(ToRGBA(thumb), x, y)
	if outlineWidth > 0 {
		dc.SetRGB255(255, 255, 255)
		dc.SetLineWidth(float64(outlineWidth))
		dc.DrawRectangle(float64(x), float64(y), float64(thumb.Width), float64(thumb.Height))
		dc.Stroke()
	}
	flat := FromRGBA(rgba)
	for row := 0; row < dst.Height; row++ {
		copy(dst.Pixels[row*dst.Stride:row*dst.Stride+dst.Width*3], flat.Pixels[row*flat.Stride:])
	}
	return nil
}
