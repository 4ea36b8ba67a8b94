package transfer

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/styletransfer/pkg/gifx"
	"github.com/cyclopcam/styletransfer/pkg/imgtensor"
	"github.com/cyclopcam/styletransfer/pkg/vgg"
)

type GIFOptions struct {
	StartFrame      int  // Start processing at frame (0 = start at beginning)
	EndFrame        int  // Stop processing at frame (0 = process to end)
	Skip            int  // Keep only every Nth frame (0 or 1 = keep all)
	OutWidth        int  // Output frame width (0 = source width)
	OutHeight       int  // Output frame height (0 = source height)
	AddContentThumb bool // Paste the original frame, bottom left, at 1/3 size
	AddStyleThumb   bool // Paste the style image above the content thumbnail
	OutlineWidth    int  // Outline width for pasted thumbnails
}

// Create a default GIFOptions object
func NewGIFOptions() *GIFOptions {
	return &GIFOptions{OutlineWidth: 2}
}

// StylizeGIF runs the style transfer loop on each selected frame of an
// animated GIF, and returns the stylized animation.
func StylizeGIF(log logs.Log, ex *vgg.Extractor, anim *gifx.Animation, styleImg *cimg.Image, params *Params, opt *GIFOptions) (*gifx.Animation, error) {
	style, err := imgtensor.ToTensor(styleImg)
	if err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := ex.ValidateInput(style); err != nil {
		return nil, fmt.Errorf("Style image: %w", err)
	}
	// The style references are the same for every frame, so compute them once
	styleGrams, err := styleGramRefs(ex, style, params.StyleLayers)
	if err != nil {
		return nil, err
	}

	out := &gifx.Animation{LoopCount: anim.LoopCount}
	for idx, frame := range anim.Frames {
		if idx < opt.StartFrame {
			continue
		}
		if opt.EndFrame > 0 && idx > opt.EndFrame {
			break
		}
		if opt.Skip > 1 && idx%opt.Skip != 0 {
			continue
		}
		log.Infof("Stylizing frame %v/%v", idx+1, len(anim.Frames))
		content, err := imgtensor.ToTensor(frame)
		if err != nil {
			return nil, fmt.Errorf("Frame %v: %w", idx, err)
		}
		res, err := optimizeWithStyleRefs(log, ex, content, styleGrams, params)
		if err != nil {
			return nil, fmt.Errorf("Frame %v: %w", idx, err)
		}
		rendered := res.Image
		if opt.OutWidth > 0 && opt.OutHeight > 0 {
			rendered = imgtensor.Resize(rendered, opt.OutWidth, opt.OutHeight)
		}
		if err := overlayThumbs(rendered, frame, styleImg, opt); err != nil {
			return nil, fmt.Errorf("Frame %v: %w", idx, err)
		}
		out.Frames = append(out.Frames, rendered)
		delay := gifx.DefaultFrameDelay
		if idx < len(anim.Delays) {
			delay = anim.Delays[idx]
		}
		out.Delays = append(out.Delays, delay)
	}
	if len(out.Frames) == 0 {
		return nil, fmt.Errorf("No frames selected (start %v, end %v, skip %v over %v frames)", opt.StartFrame, opt.EndFrame, opt.Skip, len(anim.Frames))
	}
	return out, nil
}

// overlayThumbs pastes the content frame and/or the style image onto the bottom
// left of the rendered frame, each at a third of the frame size
func overlayThumbs(rendered, content, style *cimg.Image, opt *GIFOptions) error {
	if !opt.AddContentThumb && !opt.AddStyleThumb {
		return nil
	}
	thumbW := rendered.Width / 3
	thumbH := rendered.Height / 3
	if thumbW < 1 || thumbH < 1 {
		return fmt.Errorf("Frame %v x %v is too small for thumbnails", rendered.Width, rendered.Height)
	}
	y := rendered.Height - thumbH
	if opt.AddContentThumb {
		thumb := imgtensor.Resize(content, thumbW, thumbH)
		if err := gifx.PasteWithOutline(rendered, thumb, 0, y, opt.OutlineWidth); err != nil {
			return err
		}
		y -= thumbH
	}
	if opt.AddStyleThumb {
		if y < 0 {
			return fmt.Errorf("Frame %v x %v is too small for both thumbnails", rendered.Width, rendered.Height)
		}
		thumb := imgtensor.Resize(style, thumbW, thumbH)
		if err := gifx.PasteWithOutline(rendered, thumb, 0, y, opt.OutlineWidth); err != nil {
			return err
		}
	}
	return nil
}
