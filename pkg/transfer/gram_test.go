package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestGramMatrixKnownValues(t *testing.T) {
	// Two channels, 1x2 spatial: channel 0 = [1, 2], channel 1 = [3, 4]
	f := tensor.New(tensor.WithShape(1, 2, 1, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))
	gram, err := GramMatrix(f)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{2, 2}, gram.Shape())
	data := gram.Data().([]float32)
	// G[0][0] = (1*1 + 2*2) / 2, G[0][1] = (1*3 + 2*4) / 2, G[1][1] = (3*3 + 4*4) / 2
	require.InDelta(t, 2.5, data[0], 1e-6)
	require.InDelta(t, 5.5, data[1], 1e-6)
	require.InDelta(t, 5.5, data[2], 1e-6)
	require.InDelta(t, 12.5, data[3], 1e-6)
}

func TestGramMatrixRejectsBadShape(t *testing.T) {
	flat := tensor.New(tensor.WithShape(2, 4), tensor.WithBacking(make([]float32, 8)))
	_, err := GramMatrix(flat)
	require.Error(t, err)
}

func TestGramNodeMatchesGramMatrix(t *testing.T) {
	backing := make([]float32, 3*4*5)
	for i := range backing {
		backing[i] = float32(i%17) - 8
	}
	f := tensor.New(tensor.WithShape(1, 3, 4, 5), tensor.WithBacking(backing))

	want, err := GramMatrix(f)
	require.NoError(t, err)

	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(1, 3, 4, 5), gorgonia.WithValue(f), gorgonia.WithName("f"))
	node, err := gramNode(input)
	require.NoError(t, err)
	var out gorgonia.Value
	gorgonia.Read(node, &out)
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	got := out.(*tensor.Dense)
	require.Equal(t, tensor.Shape{3, 3}, got.Shape())
	wantData := want.Data().([]float32)
	gotData := got.Data().([]float32)
	for i := range wantData {
		require.InDelta(t, wantData[i], gotData[i], 1e-3)
	}
}

// Gram matrices summarize channel statistics independent of spatial size:
// a feature map with uniformly repeated content produces the same Gram matrix
// at any resolution
func TestGramMatrixSpatialInvariance(t *testing.T) {
	constant := func(h, w int) *tensor.Dense {
		backing := make([]float32, 2*h*w)
		for i := 0; i < h*w; i++ {
			backing[i] = 3 // channel 0
			backing[h*w+i] = -2
		}
		return tensor.New(tensor.WithShape(1, 2, h, w), tensor.WithBacking(backing))
	}
	small, err := GramMatrix(constant(2, 2))
	require.NoError(t, err)
	big, err := GramMatrix(constant(8, 16))
	require.NoError(t, err)
	smallData := small.Data().([]float32)
	bigData := big.Data().([]float32)
	for i := range smallData {
		require.InDelta(t, smallData[i], bigData[i], 1e-5)
	}
}
