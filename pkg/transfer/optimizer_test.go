package transfer

import (
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/styletransfer/pkg/vgg"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func tinyArch() vgg.Arch {
	return vgg.Arch{
		{Kind: vgg.LayerConv, Name: "conv1_1", InChannels: 3, OutChannels: 4},
		{Kind: vgg.LayerPool, Name: "pool1"},
		{Kind: vgg.LayerConv, Name: "conv2_1", InChannels: 4, OutChannels: 4},
	}
}

func tinyExtractor(t *testing.T) *vgg.Extractor {
	arch := tinyArch()
	ex, err := vgg.NewExtractor(logs.NewTestingLog(t), arch, vgg.RandomWeights(arch, 99))
	require.NoError(t, err)
	return ex
}

func tinyParams() *Params {
	p := NewParams()
	p.StyleLayers = []string{"conv1_1", "pool1"}
	p.ContentLayers = []string{"conv2_1"}
	p.LogEvery = 0
	return p
}

// A smooth horizontal ramp
func rampImage(width, height int) *tensor.Dense {
	backing := make([]float32, 3*width*height)
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := float32(x) * 255 / float32(width-1)
			backing[y*width+x] = v
			backing[plane+y*width+x] = 255 - v
			backing[2*plane+y*width+x] = 128
		}
	}
	return tensor.New(tensor.WithShape(1, 3, height, width), tensor.WithBacking(backing))
}

// A hard checkerboard, texturally very different from the ramp
func checkerImage(width, height int) *tensor.Dense {
	backing := make([]float32, 3*width*height)
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := float32(0)
			if (x/2+y/2)%2 == 0 {
				v = 255
			}
			backing[y*width+x] = v
			backing[plane+y*width+x] = v
			backing[2*plane+y*width+x] = 255 - v
		}
	}
	return tensor.New(tensor.WithShape(1, 3, height, width), tensor.WithBacking(backing))
}

func TestZeroIterationsLeavesCandidateUntouched(t *testing.T) {
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(16, 16)
	params := tinyParams()
	params.Iterations = 0

	res, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.NoError(t, err)
	require.Equal(t, content.Data().([]float32), res.Output.Data().([]float32))
	require.Empty(t, res.Losses)
}

func TestContentLossReflexivity(t *testing.T) {
	// With the candidate initialized to the content image and the style weight
	// zeroed, the total loss is the content loss of the content image against
	// itself, which must be zero
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(16, 16)
	params := tinyParams()
	params.Iterations = 0
	params.StyleWeight = 0

	res, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.NoError(t, err)
	require.InDelta(t, 0, float64(res.FinalLoss), 1e-4)
}

func TestStyleLossReflexivity(t *testing.T) {
	// When the style image is the content image itself, the candidate's Gram
	// matrices already equal the references, so a pure style loss is zero
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	params := tinyParams()
	params.Iterations = 0
	params.ContentWeight = 0
	params.StyleWeight = 1

	res, err := Optimize(logs.NewTestingLog(t), ex, content, content, params)
	require.NoError(t, err)
	require.InDelta(t, 0, float64(res.FinalLoss), 1e-4)
}

func TestOptimizationReducesLoss(t *testing.T) {
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(16, 16)
	params := tinyParams()
	params.Iterations = 5
	params.LearnRate = 0.02

	res, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.NoError(t, err)
	require.Len(t, res.Losses, 5)
	require.Less(t, res.FinalLoss, res.Losses[0])

	// Output keeps the content dimensions and stays in the valid pixel range
	require.Equal(t, tensor.Shape{1, 3, 16, 16}, res.Output.Shape())
	for _, v := range res.Output.Data().([]float32) {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(255))
	}
}

func TestStyleImageMayDifferInSize(t *testing.T) {
	// Gram matrices depend only on channel count, so a style image with
	// different spatial dimensions needs no resizing
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(24, 8)
	params := tinyParams()
	params.Iterations = 1

	res, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{1, 3, 16, 16}, res.Output.Shape())
}

func TestParamValidation(t *testing.T) {
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(16, 16)

	params := tinyParams()
	params.Iterations = -1
	_, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.Error(t, err)

	params = tinyParams()
	params.StyleLayers = nil
	_, err = Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.Error(t, err)

	params = tinyParams()
	params.LearnRate = 0
	_, err = Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.Error(t, err)
}

func TestNonFiniteLossAborts(t *testing.T) {
	// An infinite style weight overflows the total loss on the first forward
	// pass. The loop must abort with an error instead of stepping the solver
	// with a poisoned gradient.
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(16, 16)
	params := tinyParams()
	params.Iterations = 3
	params.StyleWeight = math32.Inf(1)

	_, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.Error(t, err)
	require.Contains(t, err.Error(), "non-finite")
}

func TestPrecomputedStyleReferences(t *testing.T) {
	// Running the core loop against precomputed Gram references must match
	// Optimize exactly; this is the path the per-frame GIF stylizer takes
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(16, 16)
	params := tinyParams()
	params.Iterations = 2

	direct, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.NoError(t, err)

	grams, err := styleGramRefs(ex, style, params.StyleLayers)
	require.NoError(t, err)
	viaRefs, err := optimizeWithStyleRefs(logs.NewTestingLog(t), ex, content, grams, params)
	require.NoError(t, err)
	require.Equal(t, direct.Losses, viaRefs.Losses)
	require.Equal(t, direct.Output.Data().([]float32), viaRefs.Output.Data().([]float32))
}

func TestSnapshotCallback(t *testing.T) {
	ex := tinyExtractor(t)
	content := rampImage(16, 16)
	style := checkerImage(16, 16)
	params := tinyParams()
	params.Iterations = 4
	params.SnapshotEvery = 2
	calls := []int{}
	params.OnSnapshot = func(iteration int, img *cimg.Image) {
		require.Equal(t, 16, img.Width)
		require.Equal(t, 16, img.Height)
		calls = append(calls, iteration)
	}

	_, err := Optimize(logs.NewTestingLog(t), ex, content, style, params)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4}, calls)
}
