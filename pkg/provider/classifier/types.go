package classifier

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// ElementType is the numeric type of a tensor's elements.
type ElementType int

const (
	// Int8 is a signed 8-bit quantized tensor.
	Int8 ElementType = iota + 1

	// Float32 is an IEEE-754 single precision tensor.
	Float32
)

// String returns the config/wire name of t.
func (t ElementType) String() string {
	switch t {
	case Int8:
		return "int8"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("ElementType(%d)", int(t))
	}
}

// ParseElementType parses "int8" or "float32" (case-insensitive).
func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int8":
		return Int8, nil
	case "float32", "float":
		return Float32, nil
	}
	return 0, fmt.Errorf("classifier: unknown element type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ElementType) MarshalText() ([]byte, error) {
	if t != Int8 && t != Float32 {
		return nil, fmt.Errorf("classifier: invalid element type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ElementType) UnmarshalText(b []byte) error {
	v, err := ParseElementType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Quantization maps int8 values to real numbers: real = (q - ZeroPoint) * Scale.
type Quantization struct {
	Scale     float64 `json:"scale"`
	ZeroPoint int     `json:"zero_point"`
}

// Tensor describes one model input or output.
type Tensor struct {
	Size  int          `json:"size"`
	Type  ElementType  `json:"type"`
	Quant Quantization `json:"quantization,omitzero"`
}

// Shape declares a model's input and output tensors.
type Shape struct {
	Input  Tensor `json:"input"`
	Output Tensor `json:"output"`
}

// Validate checks that s describes a two-class classifier with a usable
// input tensor.
func (s Shape) Validate() error {
	var errs []error
	if s.Input.Size <= 0 {
		errs = append(errs, fmt.Errorf("classifier: input size must be positive, got %d", s.Input.Size))
	}
	if s.Input.Type != Int8 && s.Input.Type != Float32 {
		errs = append(errs, fmt.Errorf("classifier: unsupported input type %v", s.Input.Type))
	}
	if s.Output.Size != OutputClasses {
		errs = append(errs, fmt.Errorf("classifier: output size must be %d, got %d", OutputClasses, s.Output.Size))
	}
	switch s.Output.Type {
	case Int8:
		if s.Output.Quant.Scale <= 0 || math.IsNaN(s.Output.Quant.Scale) || math.IsInf(s.Output.Quant.Scale, 0) {
			errs = append(errs, fmt.Errorf("classifier: int8 output needs a positive scale, got %v", s.Output.Quant.Scale))
		}
		if s.Output.Quant.ZeroPoint < math.MinInt8 || s.Output.Quant.ZeroPoint > math.MaxInt8 {
			errs = append(errs, fmt.Errorf("classifier: zero point %d outside int8 range", s.Output.Quant.ZeroPoint))
		}
	case Float32:
	default:
		errs = append(errs, fmt.Errorf("classifier: unsupported output type %v", s.Output.Type))
	}
	return errors.Join(errs...)
}

// Input is the quantized model input. Exactly one of Int8 or Float32 is
// populated, according to Type.
type Input struct {
	Type    ElementType `json:"-"`
	Int8    []int8      `json:"int8,omitempty"`
	Float32 []float32   `json:"float32,omitempty"`
}

// NewInput allocates an input matching t.
func NewInput(t Tensor) *Input {
	in := &Input{Type: t.Type}
	switch t.Type {
	case Int8:
		in.Int8 = make([]int8, t.Size)
	case Float32:
		in.Float32 = make([]float32, t.Size)
	}
	return in
}

// Len returns the number of elements in the populated slice.
func (in *Input) Len() int {
	if in.Type == Float32 {
		return len(in.Float32)
	}
	return len(in.Int8)
}

// Output is the raw model output, populated according to the output tensor
// type.
type Output struct {
	Int8    []int8    `json:"int8,omitempty"`
	Float32 []float32 `json:"float32,omitempty"`
}

// Dequantize converts raw output to scores in [0, 1] using t. The scores are
// written into dst, which is grown only when it is shorter than t.Size.
func Dequantize(dst []float64, out Output, t Tensor) ([]float64, error) {
	scores := slices.Grow(dst[:0], t.Size)[:t.Size]
	switch t.Type {
	case Int8:
		if len(out.Int8) != t.Size {
			return nil, fmt.Errorf("classifier: got %d int8 outputs, want %d", len(out.Int8), t.Size)
		}
		for i, q := range out.Int8 {
			scores[i] = clampUnit(float64(int(q)-t.Quant.ZeroPoint) * t.Quant.Scale)
		}
	case Float32:
		if len(out.Float32) != t.Size {
			return nil, fmt.Errorf("classifier: got %d float32 outputs, want %d", len(out.Float32), t.Size)
		}
		for i, f := range out.Float32 {
			scores[i] = clampUnit(float64(f))
		}
	default:
		return nil, fmt.Errorf("classifier: unsupported output type %v", t.Type)
	}
	return scores, nil
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
