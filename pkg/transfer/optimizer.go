package transfer

// Package transfer implements neural style transfer over a pretrained feature
// extractor: the candidate image is the only trainable quantity, and it is
// iteratively updated to pull its deep activations toward the content image and
// its Gram statistics toward the style image.

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/styletransfer/pkg/imgtensor"
	"github.com/cyclopcam/styletransfer/pkg/vgg"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Defaults mirror the original experiment: a heavy style weight against a unit
// content weight, and a small Adam step over the [0, 255] pixel domain.
const (
	DefaultContentWeight = 1.0
	DefaultStyleWeight   = 1e4
	DefaultIterations    = 100
	DefaultLearnRate     = 0.02
)

// The style taps are the outputs of the first six feature layers; the content
// tap sits deep in the fifth block, as in the original experiment
func DefaultStyleLayers() []string {
	return []string{"conv1_1", "conv1_2", "pool1", "conv2_1", "conv2_2", "pool2"}
}

func DefaultContentLayers() []string {
	return []string{"conv5_2"}
}

type Params struct {
	ContentWeight float32
	StyleWeight   float32
	Iterations    int
	LearnRate     float64
	StyleLayers   []string
	ContentLayers []string
	InitNoise     bool  // Start from uniform noise instead of a copy of the content image
	Seed          int64 // Seed for InitNoise
	LogEvery      int   // Log loss every N iterations (0 = no progress logging)

	// If SnapshotEvery > 0, OnSnapshot is called with the candidate image every N iterations
	SnapshotEvery int
	OnSnapshot    func(iteration int, img *cimg.Image)
}

// Create a default Params object
func NewParams() *Params {
	return &Params{
		ContentWeight: DefaultContentWeight,
		StyleWeight:   DefaultStyleWeight,
		Iterations:    DefaultIterations,
		LearnRate:     DefaultLearnRate,
		StyleLayers:   DefaultStyleLayers(),
		ContentLayers: DefaultContentLayers(),
		LogEvery:      10,
	}
}

type Result struct {
	Image     *cimg.Image   // Final candidate, quantized to 8-bit RGB
	Output    *tensor.Dense // Final candidate pixels, (1, 3, H, W) in [0, 255]
	Losses    []float32     // Total loss at the start of each iteration; Losses[0] is the loss of the initialization
	FinalLoss float32       // Total loss after the last update
}

func (p *Params) validate() error {
	if p.Iterations < 0 {
		return fmt.Errorf("Iterations must not be negative")
	}
	if p.LearnRate <= 0 {
		return fmt.Errorf("Learning rate must be positive")
	}
	if len(p.StyleLayers) == 0 {
		return fmt.Errorf("No style layers specified")
	}
	if len(p.ContentLayers) == 0 {
		return fmt.Errorf("No content layers specified")
	}
	return nil
}

// styleGramRefs computes the style image's Gram reference for each layer
func styleGramRefs(ex *vgg.Extractor, style *tensor.Dense, layers []string) (map[string]*tensor.Dense, error) {
	feats, err := ex.Features(style, layers)
	if err != nil {
		return nil, err
	}
	grams := map[string]*tensor.Dense{}
	for name, f := range feats {
		gram, err := GramMatrix(f)
		if err != nil {
			return nil, err
		}
		grams[name] = gram
	}
	return grams, nil
}

// Optimize runs the style transfer loop and returns the stylized image.
// The candidate always has the content image's dimensions; the style image may
// have different spatial dimensions, since Gram matrices depend only on channel
// count. The extractor's weights are never modified.
func Optimize(log logs.Log, ex *vgg.Extractor, content, style *tensor.Dense, params *Params) (*Result, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := ex.ValidateInput(style); err != nil {
		return nil, fmt.Errorf("Style image: %w", err)
	}
	styleGrams, err := styleGramRefs(ex, style, params.StyleLayers)
	if err != nil {
		return nil, err
	}
	return optimizeWithStyleRefs(log, ex, content, styleGrams, params)
}

// optimizeWithStyleRefs is the core loop, taking precomputed style Gram
// references. The references do not depend on the content image, so callers
// stylizing many frames against one style compute them once.
func optimizeWithStyleRefs(log logs.Log, ex *vgg.Extractor, content *tensor.Dense, styleGrams map[string]*tensor.Dense, params *Params) (*Result, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := ex.ValidateInput(content); err != nil {
		return nil, fmt.Errorf("Content image: %w", err)
	}

	// Reference activations are fixed for the whole run, so they enter the
	// optimization graph as constants.
	contentFeats, err := ex.Features(content, params.ContentLayers)
	if err != nil {
		return nil, err
	}

	init := content.Clone().(*tensor.Dense)
	if params.InitNoise {
		rng := rand.New(rand.NewSource(params.Seed))
		data := init.Data().([]float32)
		for i := range data {
			data[i] = rng.Float32() * 255
		}
	}

	g := gorgonia.NewGraph()
	candidate := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(content.Shape()...), gorgonia.WithValue(init), gorgonia.WithName("candidate"))
	taps, err := ex.Attach(g, candidate, unionLayers(params.StyleLayers, params.ContentLayers))
	if err != nil {
		return nil, err
	}

	styleLoss, err := sumStyleTerms(g, taps, styleGrams, params.StyleLayers)
	if err != nil {
		return nil, err
	}
	contentLoss, err := sumContentTerms(g, taps, contentFeats, params.ContentLayers)
	if err != nil {
		return nil, err
	}

	cw := gorgonia.NewConstant(params.ContentWeight, gorgonia.WithName("contentWeight"))
	sw := gorgonia.NewConstant(params.StyleWeight, gorgonia.WithName("styleWeight"))
	weightedContent, err := gorgonia.Mul(contentLoss, cw)
	if err != nil {
		return nil, err
	}
	weightedStyle, err := gorgonia.Mul(styleLoss, sw)
	if err != nil {
		return nil, err
	}
	loss, err := gorgonia.Add(weightedContent, weightedStyle)
	if err != nil {
		return nil, err
	}
	var lossVal gorgonia.Value
	gorgonia.Read(loss, &lossVal)

	if _, err := gorgonia.Grad(loss, candidate); err != nil {
		return nil, fmt.Errorf("Failed to build gradient: %w", err)
	}
	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(candidate))
	defer vm.Close()
	solver := gorgonia.NewAdamSolver(gorgonia.WithLearnRate(params.LearnRate))

	losses := make([]float32, 0, params.Iterations+1)
	start := time.Now()
	for i := 0; i < params.Iterations; i++ {
		if err := vm.RunAll(); err != nil {
			return nil, fmt.Errorf("Forward/backward pass failed at iteration %v: %w", i, err)
		}
		lv, err := lossScalar(lossVal, i)
		if err != nil {
			return nil, err
		}
		losses = append(losses, lv)
		if err := solver.Step(gorgonia.NodesToValueGrads(gorgonia.Nodes{candidate})); err != nil {
			return nil, fmt.Errorf("Solver step failed at iteration %v: %w", i, err)
		}
		imgtensor.Clip(candidate.Value().Data().([]float32), 0, 255)
		vm.Reset()

		if params.LogEvery > 0 && (i+1)%params.LogEvery == 0 {
			perIter := time.Since(start).Seconds() / float64(i+1)
			log.Infof("Iteration %v/%v: loss %.6g (%.0f ms/iteration)", i+1, params.Iterations, lv, perIter*1000)
		}
		if params.SnapshotEvery > 0 && params.OnSnapshot != nil && (i+1)%params.SnapshotEvery == 0 {
			img, err := imgtensor.ToImage(candidate.Value().(*tensor.Dense))
			if err != nil {
				return nil, err
			}
			params.OnSnapshot(i+1, img)
		}
	}

	// One final forward pass, so that FinalLoss reflects the last update
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("Final forward pass failed: %w", err)
	}
	final, err := lossScalar(lossVal, params.Iterations)
	if err != nil {
		return nil, err
	}
	vm.Reset()

	out := candidate.Value().(*tensor.Dense).Clone().(*tensor.Dense)
	img, err := imgtensor.ToImage(out)
	if err != nil {
		return nil, err
	}
	return &Result{
		Image:     img,
		Output:    out,
		Losses:    losses,
		FinalLoss: final,
	}, nil
}

func sumStyleTerms(g *gorgonia.ExprGraph, taps map[string]*gorgonia.Node, refs map[string]*tensor.Dense, layers []string) (*gorgonia.Node, error) {
	var total *gorgonia.Node
	for _, name := range layers {
		gram, err := gramNode(taps[name])
		if err != nil {
			return nil, err
		}
		refDense := refs[name]
		if refDense == nil {
			return nil, fmt.Errorf("No style reference for layer '%v'", name)
		}
		ref := gorgonia.NewTensor(g, tensor.Float32, 2, gorgonia.WithShape(refDense.Shape()...), gorgonia.WithValue(refDense), gorgonia.WithName("styleRef."+name))
		term, err := mseNode(gram, ref)
		if err != nil {
			return nil, err
		}
		total, err = accumulate(total, term)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

func sumContentTerms(g *gorgonia.ExprGraph, taps map[string]*gorgonia.Node, refs map[string]*tensor.Dense, layers []string) (*gorgonia.Node, error) {
	var total *gorgonia.Node
	for _, name := range layers {
		refDense := refs[name]
		ref := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(refDense.Shape()...), gorgonia.WithValue(refDense), gorgonia.WithName("contentRef."+name))
		term, err := mseNode(taps[name], ref)
		if err != nil {
			return nil, err
		}
		total, err = accumulate(total, term)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

func accumulate(total, term *gorgonia.Node) (*gorgonia.Node, error) {
	if total == nil {
		return term, nil
	}
	return gorgonia.Add(total, term)
}

func lossScalar(v gorgonia.Value, iteration int) (float32, error) {
	lv, ok := v.Data().(float32)
	if !ok {
		return 0, fmt.Errorf("Loss is not a float32 scalar")
	}
	if math32.IsNaN(lv) || math32.IsInf(lv, 0) {
		return 0, fmt.Errorf("Loss became non-finite (%v) at iteration %v", lv, iteration)
	}
	return lv, nil
}

func unionLayers(a, b []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, name := range append(append([]string{}, a...), b...) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
