package imgtensor

// Package imgtensor converts between cimg images and the NCHW float32 tensors
// that the feature extractor and optimizer work on.
// Pixel values stay in [0, 255]; scaling into network units happens inside the graph.

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// Load an image from disk, guaranteeing an 8-bit RGB result
func LoadImage(filename string) (*cimg.Image, error) {
	img, err := cimg.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to read image %v: %w", filename, err)
	}
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	return img, nil
}

// ToTensor converts an RGB image into a (1, 3, H, W) float32 tensor with values in [0, 255]
func ToTensor(img *cimg.Image) (*tensor.Dense, error) {
	if img.NChan() != 3 {
		return nil, fmt.Errorf("Expected 3 channel RGB image, but image has %v channels", img.NChan())
	}
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("Invalid image dimensions %v x %v", img.Width, img.Height)
	}
	w := img.Width
	h := img.Height
	plane := w * h
	backing := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < w; x++ {
			backing[0*plane+y*w+x] = float32(row[x*3])
			backing[1*plane+y*w+x] = float32(row[x*3+1])
			backing[2*plane+y*w+x] = float32(row[x*3+2])
		}
	}
	return tensor.New(tensor.WithShape(1, 3, h, w), tensor.WithBacking(backing)), nil
}

// ToImage converts a (1, 3, H, W) tensor back into an RGB image.
// Values are clamped to [0, 255] and rounded to the nearest integer.
func ToImage(t *tensor.Dense) (*cimg.Image, error) {
	h, w, err := Dims(t)
	if err != nil {
		return nil, err
	}
	plane := w * h
	data := t.Data().([]float32)
	img := cimg.NewImage(w, h, cimg.PixelFormatRGB)
	for y := 0; y < h; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < w; x++ {
			row[x*3] = quantize(data[0*plane+y*w+x])
			row[x*3+1] = quantize(data[1*plane+y*w+x])
			row[x*3+2] = quantize(data[2*plane+y*w+x])
		}
	}
	return img, nil
}

// Dims validates that t is a (1, 3, H, W) tensor and returns (H, W)
func Dims(t *tensor.Dense) (height, width int, err error) {
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 {
		return 0, 0, fmt.Errorf("Expected tensor of shape (1, 3, H, W), got %v", shape)
	}
	return shape[2], shape[3], nil
}

// Clip every value into [lo, hi], in place
func Clip(data []float32, lo, hi float32) {
	for i := range data {
		if data[i] < lo {
			data[i] = lo
		} else if data[i] > hi {
			data[i] = hi
		}
	}
}

// Resize returns a resized copy if the target size differs, otherwise the image itself
func Resize(img *cimg.Image, width, height int) *cimg.Image {
	if img.Width == width && img.Height == height {
		return img
	}
	return cimg.ResizeNew(img, width, height, nil)
}

func quantize(v float32) byte {
	v = math32.Round(v)
	if v < 0 {
		v = 0
	} else if v > 255 {
		v = 255
	}
	return byte(v)
}
