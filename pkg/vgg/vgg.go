package vgg

// Package vgg builds the convolutional feature extractor.
// The stack is described by an Arch table (named conv and maxpool layers), so the
// same machinery drives the real VGG-16 backbone and the tiny stacks used in tests.
// The extractor only ever runs forward; weights are loaded once and never written to.

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

type LayerKind int

const (
	LayerConv LayerKind = iota // 3x3 convolution, pad 1, stride 1, followed by ReLU
	LayerPool                  // 2x2 max pool, stride 2
)

type Layer struct {
	Kind        LayerKind
	Name        string // eg "conv1_1", "pool3"
	InChannels  int    // Conv layers only
	OutChannels int    // Conv layers only
}

// Arch is an ordered stack of layers. A layer's tap is its final output
// (post-ReLU for conv layers, post-pool for pool layers).
type Arch []Layer

func conv(name string, in, out int) Layer {
	return Layer{Kind: LayerConv, Name: name, InChannels: in, OutChannels: out}
}

func pool(name string) Layer {
	return Layer{Kind: LayerPool, Name: name}
}

// VGG16 is the canonical 13-conv feature stack, up to and including conv5_3.
// The final pool and the classifier head are not part of the feature extractor.
func VGG16() Arch {
	return Arch{
		conv("conv1_1", 3, 64),
		conv("conv1_2", 64, 64),
		pool("pool1"),
		conv("conv2_1", 64, 128),
		conv("conv2_2", 128, 128),
		pool("pool2"),
		conv("conv3_1", 128, 256),
		conv("conv3_2", 256, 256),
		conv("conv3_3", 256, 256),
		pool("pool3"),
		conv("conv4_1", 256, 512),
		conv("conv4_2", 512, 512),
		conv("conv4_3", 512, 512),
		pool("pool4"),
		conv("conv5_1", 512, 512),
		conv("conv5_2", 512, 512),
		conv("conv5_3", 512, 512),
	}
}

// MinInputSize is the smallest input width/height the stack can accept,
// determined by the number of 2x2 pools
func (a Arch) MinInputSize() int {
	pools := 0
	for _, l := range a {
		if l.Kind == LayerPool {
			pools++
		}
	}
	return 1 << pools
}

func (a Arch) HasLayer(name string) bool {
	for _, l := range a {
		if l.Name == name {
			return true
		}
	}
	return false
}

// Validate checks layer naming and channel plumbing
func (a Arch) Validate() error {
	if len(a) == 0 {
		return fmt.Errorf("Architecture has no layers")
	}
	seen := map[string]bool{}
	prevOut := 0
	for i, l := range a {
		if l.Name == "" {
			return fmt.Errorf("Layer %v has no name", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("Duplicate layer name '%v'", l.Name)
		}
		seen[l.Name] = true
		if l.Kind == LayerConv {
			if l.InChannels <= 0 || l.OutChannels <= 0 {
				return fmt.Errorf("Layer '%v' has invalid channel counts %v -> %v", l.Name, l.InChannels, l.OutChannels)
			}
			if prevOut != 0 && l.InChannels != prevOut {
				return fmt.Errorf("Layer '%v' expects %v input channels, but the previous conv produces %v", l.Name, l.InChannels, prevOut)
			}
			prevOut = l.OutChannels
		}
	}
	return nil
}

// RandomWeights builds a full weight set for an arch, drawn from a seeded
// He-style initialization. Intended for tests and benchmarks.
func RandomWeights(arch Arch, seed int64) map[string]*tensor.Dense {
	rng := rand.New(rand.NewSource(seed))
	out := map[string]*tensor.Dense{}
	for _, l := range arch {
		if l.Kind != LayerConv {
			continue
		}
		std := float32(1.0) / float32(l.InChannels*9)
		wBacking := make([]float32, l.OutChannels*l.InChannels*9)
		for i := range wBacking {
			wBacking[i] = float32(rng.NormFloat64()) * std
		}
		bBacking := make([]float32, l.OutChannels)
		out[l.Name+".weight"] = tensor.New(tensor.WithShape(l.OutChannels, l.InChannels, 3, 3), tensor.WithBacking(wBacking))
		out[l.Name+".bias"] = tensor.New(tensor.WithShape(l.OutChannels), tensor.WithBacking(bBacking))
	}
	return out
}
