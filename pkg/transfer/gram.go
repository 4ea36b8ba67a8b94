package transfer

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GramMatrix computes the (C, C) channel co-activation matrix of a (1, C, H, W)
// feature map, normalized by H*W. The result depends only on channel statistics,
// not on spatial arrangement, which is what makes it a style descriptor.
func GramMatrix(f *tensor.Dense) (*tensor.Dense, error) {
	shape := f.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("Expected feature map of shape (1, C, H, W), got %v", shape)
	}
	c := shape[1]
	hw := shape[2] * shape[3]
	data := f.Data().([]float32)
	out := make([]float32, c*c)
	for i := 0; i < c; i++ {
		fi := data[i*hw : (i+1)*hw]
		for j := i; j < c; j++ {
			fj := data[j*hw : (j+1)*hw]
			sum := float32(0)
			for k := 0; k < hw; k++ {
				sum += fi[k] * fj[k]
			}
			v := sum / float32(hw)
			out[i*c+j] = v
			out[j*c+i] = v
		}
	}
	return tensor.New(tensor.WithShape(c, c), tensor.WithBacking(out)), nil
}

// gramNode is the in-graph version of GramMatrix, so that the style loss can be
// differentiated with respect to the candidate image
func gramNode(f *gorgonia.Node) (*gorgonia.Node, error) {
	shape := f.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, fmt.Errorf("Expected feature map node of shape (1, C, H, W), got %v", shape)
	}
	c := shape[1]
	hw := shape[2] * shape[3]
	flat, err := gorgonia.Reshape(f, tensor.Shape{c, hw})
	if err != nil {
		return nil, err
	}
	flatT, err := gorgonia.Transpose(flat, 1, 0)
	if err != nil {
		return nil, err
	}
	gram, err := gorgonia.Mul(flat, flatT)
	if err != nil {
		return nil, err
	}
	scale := gorgonia.NewConstant(float32(1.0/float64(hw)), gorgonia.WithName(fmt.Sprintf("gramScale_%v", f.Name())))
	return gorgonia.Mul(gram, scale)
}

// mseNode is the mean of the elementwise squared difference, reduced to a scalar
func mseNode(a, b *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(sq)
}
