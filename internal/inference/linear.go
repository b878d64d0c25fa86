package inference

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// LinearMagic starts every asset readable by LinearRuntime.
//
// Layout (little endian):
//
//	"CDM1" | u32 input size | u32 grid | u32 classes
//	f32 weights[classes][3*grid*grid] | f32 bias[classes]
const LinearMagic = "CDM1"

const maxGrid = 64

// LinearRuntime is a pure-Go runtime: a linear head over the tensor
// average-pooled onto a grid×grid lattice per channel.
type LinearRuntime struct{}

// Name implements Runtime.
func (LinearRuntime) Name() string { return "linear" }

// Open implements Runtime.
func (LinearRuntime) Open(path string, spec Spec) (Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAsset, err)
	}
	defer f.Close()

	s, err := readLinearModel(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	if s.inputSize != spec.Transform.Size {
		return nil, fmt.Errorf("%w: input size %d, %s expects %d", ErrBadAsset, s.inputSize, spec.Category, spec.Transform.Size)
	}
	if s.classes != len(spec.Labels) {
		return nil, fmt.Errorf("%w: %d classes, %s has %d labels", ErrBadAsset, s.classes, spec.Category, len(spec.Labels))
	}
	return s, nil
}

type linearSession struct {
	inputSize int
	grid      int
	classes   int
	weights   []float32
	bias      []float32
}

// readLinearModel decodes a CDM1 stream.
func readLinearModel(r io.Reader) (*linearSession, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrBadAsset, err)
	}
	if string(magic) != LinearMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadAsset, magic)
	}
	var hdr [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrBadAsset, err)
	}
	size, grid, classes := int(hdr[0]), int(hdr[1]), int(hdr[2])
	if size <= 0 || grid <= 0 || grid > maxGrid || grid > size || classes <= 0 || classes > 1024 {
		return nil, fmt.Errorf("%w: implausible header size=%d grid=%d classes=%d", ErrBadAsset, size, grid, classes)
	}
	s := &linearSession{
		inputSize: size,
		grid:      grid,
		classes:   classes,
		weights:   make([]float32, classes*3*grid*grid),
		bias:      make([]float32, classes),
	}
	if err := binary.Read(r, binary.LittleEndian, s.weights); err != nil {
		return nil, fmt.Errorf("%w: truncated weights: %v", ErrBadAsset, err)
	}
	if err := binary.Read(r, binary.LittleEndian, s.bias); err != nil {
		return nil, fmt.Errorf("%w: truncated bias: %v", ErrBadAsset, err)
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after bias", ErrBadAsset)
	}
	for _, v := range s.weights {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite weight", ErrBadAsset)
		}
	}
	return s, nil
}

// WriteLinearModel encodes a CDM1 asset. weights is [classes][3*grid*grid].
func WriteLinearModel(w io.Writer, inputSize, grid int, weights [][]float32, bias []float32) error {
	if len(weights) != len(bias) {
		return fmt.Errorf("weights have %d classes, bias has %d", len(weights), len(bias))
	}
	if _, err := io.WriteString(w, LinearMagic); err != nil {
		return err
	}
	hdr := [3]uint32{uint32(inputSize), uint32(grid), uint32(len(bias))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for i, row := range weights {
		if len(row) != 3*grid*grid {
			return fmt.Errorf("class %d has %d weights, want %d", i, len(row), 3*grid*grid)
		}
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, bias)
}

// Run implements Session.
func (s *linearSession) Run(input []float32) ([]float32, error) {
	n := s.inputSize
	if len(input) != 3*n*n {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), 3*n*n)
	}
	g := s.grid
	features := make([]float32, 3*g*g)
	plane := n * n
	for c := 0; c < 3; c++ {
		for gy := 0; gy < g; gy++ {
			y0, y1 := gy*n/g, (gy+1)*n/g
			for gx := 0; gx < g; gx++ {
				x0, x1 := gx*n/g, (gx+1)*n/g
				var sum float64
				for y := y0; y < y1; y++ {
					row := input[c*plane+y*n:]
					for x := x0; x < x1; x++ {
						sum += float64(row[x])
					}
				}
				features[c*g*g+gy*g+gx] = float32(sum / float64((y1-y0)*(x1-x0)))
			}
		}
	}

	out := make([]float32, s.classes)
	width := len(features)
	for k := 0; k < s.classes; k++ {
		acc := float64(s.bias[k])
		row := s.weights[k*width : (k+1)*width]
		for i, f := range features {
			acc += float64(row[i]) * float64(f)
		}
		out[k] = float32(acc)
	}
	return out, nil
}

// Close implements Session.
func (s *linearSession) Close() error {
	s.weights = nil
	s.bias = nil
	return nil
}
