package transfer

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/styletransfer/pkg/gifx"
	"github.com/cyclopcam/styletransfer/pkg/imgtensor"
	"github.com/stretchr/testify/require"
)

func testAnimation(t *testing.T, nframes int) *gifx.Animation {
	anim := &gifx.Animation{}
	for i := 0; i < nframes; i++ {
		styleT, err := imgtensor.ToImage(rampImage(16, 16))
		require.NoError(t, err)
		anim.Frames = append(anim.Frames, styleT)
		anim.Delays = append(anim.Delays, 5)
	}
	return anim
}

func TestStylizeGIF(t *testing.T) {
	ex := tinyExtractor(t)
	styleImg, err := imgtensor.ToImage(checkerImage(16, 16))
	require.NoError(t, err)

	anim := testAnimation(t, 4)
	params := tinyParams()
	params.Iterations = 1

	opt := NewGIFOptions()
	opt.Skip = 2 // keep frames 0 and 2
	out, err := StylizeGIF(logs.NewTestingLog(t), ex, anim, styleImg, params, opt)
	require.NoError(t, err)
	require.Len(t, out.Frames, 2)
	require.Equal(t, []int{5, 5}, out.Delays)
	w, h := out.FrameSize()
	require.Equal(t, 16, w)
	require.Equal(t, 16, h)
}

func TestStylizeGIFFrameSelection(t *testing.T) {
	ex := tinyExtractor(t)
	styleImg, err := imgtensor.ToImage(checkerImage(16, 16))
	require.NoError(t, err)

	anim := testAnimation(t, 3)
	params := tinyParams()
	params.Iterations = 0

	// A window that selects nothing is an error
	opt := NewGIFOptions()
	opt.StartFrame = 10
	_, err = StylizeGIF(logs.NewTestingLog(t), ex, anim, styleImg, params, opt)
	require.Error(t, err)
}

func TestStylizeGIFThumbnails(t *testing.T) {
	ex := tinyExtractor(t)
	styleImg, err := imgtensor.ToImage(checkerImage(16, 16))
	require.NoError(t, err)

	anim := testAnimation(t, 1)
	params := tinyParams()
	params.Iterations = 0

	opt := NewGIFOptions()
	opt.OutWidth = 48
	opt.OutHeight = 48
	opt.AddContentThumb = true
	opt.AddStyleThumb = true
	out, err := StylizeGIF(logs.NewTestingLog(t), ex, anim, styleImg, params, opt)
	require.NoError(t, err)
	w, h := out.FrameSize()
	require.Equal(t, 48, w)
	require.Equal(t, 48, h)
}
