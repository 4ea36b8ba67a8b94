package weights

// Package weights loads the pretrained feature extractor's tensors.
// The on-disk layout is the safetensors format that HuggingFace snapshots use:
// an 8 byte little-endian header length, a JSON header mapping tensor names to
// {dtype, shape, data_offsets}, and then the raw row-major tensor payload.
// Only F32 tensors are supported, which is all a VGG feature stack needs.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"gorgonia.org/tensor"
)

const maxHeaderSize = 100 * 1024 * 1024

type tensorInfo struct {
	DType       string    `json:"dtype"`
	Shape       []int     `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// ReadSafetensors reads every tensor in the file into float32 dense tensors
func ReadSafetensors(filename string) (map[string]*tensor.Dense, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to read weights file %v: %w", filename, err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("Weights file %v is truncated", filename)
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > maxHeaderSize || 8+headerLen > uint64(len(raw)) {
		return nil, fmt.Errorf("Weights file %v has an invalid header length %v", filename, headerLen)
	}
	header := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("Failed to parse weights header in %v: %w", filename, err)
	}
	payload := raw[8+headerLen:]

	tensors := map[string]*tensor.Dense{}
	for name, rawInfo := range header {
		if name == "__metadata__" {
			continue
		}
		info := tensorInfo{}
		if err := json.Unmarshal(rawInfo, &info); err != nil {
			return nil, fmt.Errorf("Failed to parse header entry for tensor '%v': %w", name, err)
		}
		if info.DType != "F32" {
			return nil, fmt.Errorf("Tensor '%v' has dtype %v, but only F32 is supported", name, info.DType)
		}
		nelem := 1
		for _, d := range info.Shape {
			if d <= 0 {
				return nil, fmt.Errorf("Tensor '%v' has an invalid shape %v", name, info.Shape)
			}
			nelem *= d
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if end < start || end > uint64(len(payload)) || end-start != uint64(nelem*4) {
			return nil, fmt.Errorf("Tensor '%v' has invalid data offsets [%v, %v]", name, start, end)
		}
		buf := payload[start:end]
		backing := make([]float32, nelem)
		for i := 0; i < nelem; i++ {
			backing[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		tensors[name] = tensor.New(tensor.WithShape(info.Shape...), tensor.WithBacking(backing))
	}
	return tensors, nil
}

// WriteSafetensors writes float32 tensors to a safetensors file, the inverse
// of ReadSafetensors. Reading pretrained weights is the common path; writing
// exists for producing weight files from within Go.
func WriteSafetensors(filename string, tensors map[string]*tensor.Dense) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]tensorInfo{}
	offset := uint64(0)
	for _, name := range names {
		t := tensors[name]
		data, ok := t.Data().([]float32)
		if !ok {
			return fmt.Errorf("Tensor '%v' is not float32", name)
		}
		size := uint64(len(data) * 4)
		header[name] = tensorInfo{
			DType:       "F32",
			Shape:       append([]int{}, t.Shape()...),
			DataOffsets: [2]uint64{offset, offset + size},
		}
		offset += size
	}
	headerJS, err := json.Marshal(header)
	if err != nil {
		return err
	}

	out := make([]byte, 0, 8+len(headerJS)+int(offset))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(headerJS)))
	out = append(out, headerJS...)
	for _, name := range names {
		for _, v := range tensors[name].Data().([]float32) {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return os.WriteFile(filename, out, 0644)
}
