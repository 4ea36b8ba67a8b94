package montage

// Package montage tiles already-rendered artifacts (images or animated GIFs)
// into a single composite for side-by-side comparison. Inputs are resized to a
// common cell size; mixing media types in one batch is an error, not a
// conversion.

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/styletransfer/pkg/gifx"
	"github.com/cyclopcam/styletransfer/pkg/imgtensor"
	"github.com/fogleman/gg"
)

type Layout int

const (
	LayoutRow  Layout = iota // Single row, left to right
	LayoutGrid               // Row-major grid
)

type Options struct {
	Layout     Layout
	Columns    int      // Grid columns (0 = near-square)
	CellWidth  int      // 0 = width of the first input
	CellHeight int      // 0 = height of the first input
	Labels     []string // Optional per-cell labels, drawn top-left
}

// Create a default Options object
func NewOptions() *Options {
	return &Options{Layout: LayoutRow}
}

// Images tiles the inputs into one composite image
func Images(inputs []*cimg.Image, opt *Options) (*cimg.Image, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("No input images")
	}
	cellW := opt.CellWidth
	cellH := opt.CellHeight
	if cellW == 0 {
		cellW = inputs[0].Width
	}
	if cellH == 0 {
		cellH = inputs[0].Height
	}
	if cellW <= 0 || cellH <= 0 {
		return nil, fmt.Errorf("Invalid cell size %v x %v", cellW, cellH)
	}
	cols, rows := gridShape(len(inputs), opt)
	out := cimg.NewImage(cols*cellW, rows*cellH, cimg.PixelFormatRGB)
	for i, img := range inputs {
		if img.NChan() != 3 {
			img = img.ToRGB()
		}
		img = imgtensor.Resize(img, cellW, cellH)
		blit(out, img, (i%cols)*cellW, (i/cols)*cellH)
	}
	if len(opt.Labels) > 0 {
		return drawLabels(out, opt.Labels, cellW, cellH, cols), nil
	}
	return out, nil
}

// Animations tiles the inputs frame by frame into one composite animation.
// All inputs must have the same frame count; delays come from the first input.
func Animations(inputs []*gifx.Animation, opt *Options) (*gifx.Animation, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("No input animations")
	}
	nframes := len(inputs[0].Frames)
	for i, anim := range inputs {
		if len(anim.Frames) != nframes {
			return nil, fmt.Errorf("Animation %v has %v frames, but the first has %v", i, len(anim.Frames), nframes)
		}
	}
	out := &gifx.Animation{
		Delays:    append([]int{}, inputs[0].Delays...),
		LoopCount: inputs[0].LoopCount,
	}
	for f := 0; f < nframes; f++ {
		cell := make([]*cimg.Image, len(inputs))
		for i, anim := range inputs {
			cell[i] = anim.Frames[f]
		}
		frame, err := Images(cell, opt)
		if err != nil {
			return nil, err
		}
		out.Frames = append(out.Frames, frame)
	}
	return out, nil
}

// Files tiles the given artifact files into outputFile.
// All inputs must be the same media type: raster images produce a JPEG
// composite, GIFs produce an animated GIF composite.
func Files(log logs.Log, inputFiles []string, outputFile string, opt *Options) error {
	if len(inputFiles) == 0 {
		return fmt.Errorf("No input files")
	}
	ngif := 0
	for _, f := range inputFiles {
		if isGIF(f) {
			ngif++
		}
	}
	if ngif != 0 && ngif != len(inputFiles) {
		return fmt.Errorf("Cannot mix image and GIF inputs in one montage")
	}

	if ngif == len(inputFiles) {
		anims := make([]*gifx.Animation, len(inputFiles))
		for i, f := range inputFiles {
			anim, err := gifx.Load(f)
			if err != nil {
				return err
			}
			anims[i] = anim
		}
		composite, err := Animations(anims, opt)
		if err != nil {
			return err
		}
		log.Infof("Writing %v frame composite to %v", len(composite.Frames), outputFile)
		return composite.Save(outputFile)
	}

	images := make([]*cimg.Image, len(inputFiles))
	for i, f := range inputFiles {
		img, err := imgtensor.LoadImage(f)
		if err != nil {
			return err
		}
		images[i] = img
	}
	composite, err := Images(images, opt)
	if err != nil {
		return err
	}
	log.Infof("Writing %v x %v composite to %v", composite.Width, composite.Height, outputFile)
	return composite.WriteJPEG(outputFile, cimg.MakeCompressParams(cimg.Sampling444, 95, 0), 0644)
}

func isGIF(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".gif")
}

func gridShape(n int, opt *Options) (cols, rows int) {
	if opt.Layout == LayoutRow {
		return n, 1
	}
	cols = opt.Columns
	if cols <= 0 {
		cols = 1
		for cols*cols < n {
			cols++
		}
	}
	rows = (n + cols - 1) / cols
	return cols, rows
}

// blit copies src into dst at (x, y). Caller guarantees it fits.
func blit(dst, src *cimg.Image, x, y int) {
	for row := 0; row < src.Height; row++ {
		d := (y+row)*dst.Stride + x*3
		s := row * src.Stride
		copy(dst.Pixels[d:d+src.Width*3], src.Pixels[s:])
	}
}

func drawLabels(img *cimg.Image, labels []string, cellW, cellH, cols int) *cimg.Image {
	rgba := gifx.ToRGBA(img)
	dc := gg.NewContextForRGBA(rgba)
	for i, label := range labels {
		if label == "" {
			continue
		}
		x := float64((i%cols)*cellW) + 4
		y := float64((i/cols)*cellH) + 14
		dc.SetRGB(0, 0, 0)
		dc.DrawString(label, x+1, y+1)
		dc.SetRGB(1, 1, 1)
		dc.DrawString(label, x, y)
	}
	return gifx.FromRGBA(rgba)
}
