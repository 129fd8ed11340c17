package inference

import (
	"errors"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

// ElementType is the subset of ONNX tensor element types the models here use.
type ElementType int

// Element types.
const (
	ElementUnknown ElementType = iota
	ElementFloat32
	ElementInt64
	ElementInt32
)

func (e ElementType) String() string {
	switch e {
	case ElementFloat32:
		return "float32"
	case ElementInt64:
		return "int64"
	case ElementInt32:
		return "int32"
	default:
		return "unknown"
	}
}

// IOInfo describes one declared model input or output. Dynamic dimensions are negative.
type IOInfo struct {
	Name  string
	Shape []int64
	Type  ElementType
}

// Tensor is an input value. Exactly one of Float32 or Int64 is set; int64 data is narrowed
// when the model declares an int32 input.
type Tensor struct {
	Name    string
	Shape   []int64
	Float32 []float32
	Int64   []int64
}

// Output is a float32 output tensor copied out of the runtime.
type Output struct {
	Shape []int64
	Data  []float32
}

// Row returns the i-th slice along the first axis.
func (o Output) Row(i int) []float32 {
	if len(o.Shape) == 0 || o.Shape[0] <= 0 {
		return nil
	}

	width := len(o.Data) / int(o.Shape[0])
	if i < 0 || (i+1)*width > len(o.Data) {
		return nil
	}

	return o.Data[i*width : (i+1)*width]
}

var (
	errShape         = errors.New("tensor shape mismatch")
	errUnknownOutput = errors.New("unknown output")
)

// elements returns the product of shape, or -1 when any dimension is dynamic.
func elements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return -1
		}

		n *= d
	}

	return n
}

// selectOutputs returns the indexes of the requested outputs in declared order. With no names it
// selects every float32 output. Requesting a missing or non-float32 output is an error.
func selectOutputs(declared []IOInfo, names []string) ([]int, error) {
	if len(names) == 0 {
		var idx []int

		for i, info := range declared {
			if info.Type == ElementFloat32 {
				idx = append(idx, i)
			}
		}

		return idx, nil
	}

	idx := make([]int, 0, len(names))

	for _, name := range names {
		i := slices.IndexFunc(declared, func(info IOInfo) bool { return info.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("%w %q", errUnknownOutput, name)
		}

		if declared[i].Type != ElementFloat32 {
			return nil, fmt.Errorf("output %s has unsupported element type %s", name, declared[i].Type)
		}

		idx = append(idx, i)
	}

	return idx, nil
}

// floatTensor is the read side of a float32 runtime tensor.
type floatTensor interface {
	GetShape() ort.Shape
	GetData() []float32
}

// collectOutputs copies the selected outputs out of runtime memory. get returns the value the
// runtime produced for output i.
func collectOutputs(declared []IOInfo, selected []int, get func(i int) (floatTensor, bool)) (map[string]Output, error) {
	result := make(map[string]Output, len(selected))

	for _, i := range selected {
		t, ok := get(i)
		if !ok {
			return nil, fmt.Errorf("output %s is not a float32 tensor", declared[i].Name)
		}

		result[declared[i].Name] = Output{
			Shape: append([]int64(nil), t.GetShape()...),
			Data:  append([]float32(nil), t.GetData()...),
		}
	}

	return result, nil
}

// checkInput verifies a tensor against its declared input, allowing dynamic dimensions.
func checkInput(info IOInfo, t Tensor) error {
	if len(info.Shape) != 0 && len(info.Shape) != len(t.Shape) {
		return fmt.Errorf("%w: input %s has rank %d, model expects %d", errShape, t.Name, len(t.Shape), len(info.Shape))
	}

	for i, d := range info.Shape {
		if d >= 0 && t.Shape[i] != d {
			return fmt.Errorf("%w: input %s dim %d is %d, model expects %d", errShape, t.Name, i, t.Shape[i], d)
		}
	}

	want := elements(t.Shape)

	var got int64

	switch info.Type {
	case ElementFloat32:
		if t.Float32 == nil {
			return fmt.Errorf("input %s expects float32 data", t.Name)
		}

		got = int64(len(t.Float32))
	case ElementInt64, ElementInt32:
		if t.Int64 == nil {
			return fmt.Errorf("input %s expects integer data", t.Name)
		}

		got = int64(len(t.Int64))
	default:
		return fmt.Errorf("input %s has unsupported element type %s", t.Name, info.Type)
	}

	if want != got {
		return fmt.Errorf("%w: input %s has %d elements for shape %v", errShape, t.Name, got, t.Shape)
	}

	return nil
}
