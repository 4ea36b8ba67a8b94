package vgg

import (
	"fmt"

	"github.com/cyclopcam/logs"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Extractor wraps a pretrained conv stack and exposes the activations of named
// layers for a given input image tensor. It is constructed once and passed by
// reference into the loss and optimization routines.
type Extractor struct {
	log     logs.Log
	arch    Arch
	weights map[string]*tensor.Dense // "name.weight" (Out,In,3,3) and "name.bias" reshaped to (1,Out,1,1)
}

// NewExtractor validates the weight set against the arch and builds an extractor.
// The bias tensors are cloned and reshaped for broadcasting; the weight tensors are
// referenced as-is and are never mutated by inference or optimization.
func NewExtractor(log logs.Log, arch Arch, weights map[string]*tensor.Dense) (*Extractor, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	own := map[string]*tensor.Dense{}
	for _, l := range arch {
		if l.Kind != LayerConv {
			continue
		}
		w, ok := weights[l.Name+".weight"]
		if !ok {
			return nil, fmt.Errorf("Missing weight tensor for layer '%v'", l.Name)
		}
		if !w.Shape().Eq(tensor.Shape{l.OutChannels, l.InChannels, 3, 3}) {
			return nil, fmt.Errorf("Layer '%v' weight has shape %v, expected %v", l.Name, w.Shape(), tensor.Shape{l.OutChannels, l.InChannels, 3, 3})
		}
		b, ok := weights[l.Name+".bias"]
		if !ok {
			return nil, fmt.Errorf("Missing bias tensor for layer '%v'", l.Name)
		}
		if b.Shape().TotalSize() != l.OutChannels {
			return nil, fmt.Errorf("Layer '%v' bias has shape %v, expected %v elements", l.Name, b.Shape(), l.OutChannels)
		}
		bias := b.Clone().(*tensor.Dense)
		if err := bias.Reshape(1, l.OutChannels, 1, 1); err != nil {
			return nil, err
		}
		own[l.Name+".weight"] = w
		own[l.Name+".bias"] = bias
	}
	log.Infof("Feature extractor ready: %v conv layers, min input %v px", len(own)/2, arch.MinInputSize())
	return &Extractor{log: log, arch: arch, weights: own}, nil
}

func (e *Extractor) Arch() Arch {
	return e.arch
}

// ValidateInput checks that t is an image tensor this stack can consume
func (e *Extractor) ValidateInput(t *tensor.Dense) error {
	shape := t.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return fmt.Errorf("Expected input of shape (1, C, H, W), got %v", shape)
	}
	if shape[1] != 3 {
		return fmt.Errorf("Expected 3 input channels, got %v", shape[1])
	}
	if min := e.arch.MinInputSize(); shape[2] < min || shape[3] < min {
		return fmt.Errorf("Input is %v x %v, but the pool stack needs at least %v x %v", shape[3], shape[2], min, min)
	}
	return nil
}

// Attach builds the conv stack on top of the input node, and returns the tap
// node for every requested layer. Construction stops as soon as the deepest
// requested tap has been produced.
func (e *Extractor) Attach(g *gorgonia.ExprGraph, input *gorgonia.Node, layers []string) (map[string]*gorgonia.Node, error) {
	wanted := map[string]bool{}
	for _, name := range layers {
		if !e.arch.HasLayer(name) {
			return nil, fmt.Errorf("Unknown layer '%v'", name)
		}
		wanted[name] = true
	}
	if len(wanted) == 0 {
		return nil, fmt.Errorf("No layers requested")
	}

	// The network consumes pixels in [0, 1]
	scale := gorgonia.NewConstant(float32(1.0/255.0), gorgonia.WithName("pixelScale"))
	x, err := gorgonia.Mul(input, scale)
	if err != nil {
		return nil, err
	}

	taps := map[string]*gorgonia.Node{}
	for _, l := range e.arch {
		switch l.Kind {
		case LayerConv:
			x, err = e.convLayer(g, x, l)
		case LayerPool:
			x, err = gorgonia.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to build layer '%v': %w", l.Name, err)
		}
		if wanted[l.Name] {
			taps[l.Name] = x
			if len(taps) == len(wanted) {
				break
			}
		}
	}
	return taps, nil
}

func (e *Extractor) convLayer(g *gorgonia.ExprGraph, x *gorgonia.Node, l Layer) (*gorgonia.Node, error) {
	wd := e.weights[l.Name+".weight"]
	bd := e.weights[l.Name+".bias"]
	w := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(wd.Shape()...), gorgonia.WithValue(wd), gorgonia.WithName(l.Name+".weight"))
	b := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(bd.Shape()...), gorgonia.WithValue(bd), gorgonia.WithName(l.Name+".bias"))
	c, err := gorgonia.Conv2d(x, w, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	c, err = gorgonia.BroadcastAdd(c, b, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, err
	}
	return gorgonia.Rectify(c)
}

// Features runs a single forward pass on img and returns the activation tensor
// of every requested layer. Deterministic for fixed weights and input.
func (e *Extractor) Features(img *tensor.Dense, layers []string) (map[string]*tensor.Dense, error) {
	if err := e.ValidateInput(img); err != nil {
		return nil, err
	}
	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(img.Shape()...), gorgonia.WithValue(img), gorgonia.WithName("input"))
	taps, err := e.Attach(g, input, layers)
	if err != nil {
		return nil, err
	}
	reads := map[string]*gorgonia.Value{}
	for name, node := range taps {
		v := new(gorgonia.Value)
		gorgonia.Read(node, v)
		reads[name] = v
	}
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("Forward pass failed: %w", err)
	}
	out := map[string]*tensor.Dense{}
	for name, v := range reads {
		dense, ok := (*v).(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("Layer '%v' did not produce a dense tensor", name)
		}
		out[name] = dense.Clone().(*tensor.Dense)
	}
	return out, nil
}
