package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/semaphore"
)

// Session is a loaded model. Run is safe for concurrent use; the number of runs in flight is
// bounded by a weighted semaphore.
type Session struct {
	path    string
	session *ort.DynamicAdvancedSession
	inputs  []IOInfo
	outputs []IOInfo
	sem     *semaphore.Weighted

	closeOnce sync.Once
	closeErr  error
}

func newSession(path string, s *ort.DynamicAdvancedSession, inputs, outputs []IOInfo, maxConcurrent int) *Session {
	return &Session{
		path:    path,
		session: s,
		inputs:  inputs,
		outputs: outputs,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Inputs returns the declared model inputs.
func (s *Session) Inputs() []IOInfo { return s.inputs }

// Outputs returns the declared model outputs.
func (s *Session) Outputs() []IOInfo { return s.outputs }

// Run feeds inputs (matched by name, in declared order) and returns the named float32 outputs.
// With no names it returns every float32 output. Output values are allocated by ONNX Runtime, so
// dynamic dimensions anywhere in an output shape are fine and unselected outputs may have any type.
func (s *Session) Run(ctx context.Context, inputs []Tensor, outputs ...string) (map[string]Output, error) {
	selected, err := selectOutputs(s.outputs, outputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for inference slot: %w", err)
	}
	defer s.sem.Release(1)

	byName := make(map[string]Tensor, len(inputs))
	for _, t := range inputs {
		byName[t.Name] = t
	}

	values := make([]ort.Value, 0, len(s.inputs))
	outValues := make([]ort.Value, len(s.outputs))

	defer func() {
		for _, v := range values {
			_ = v.Destroy()
		}

		for _, v := range outValues {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	for _, info := range s.inputs {
		t, ok := byName[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q for %s", info.Name, s.path)
		}

		if err := checkInput(info, t); err != nil {
			return nil, err
		}

		v, err := newInputValue(info.Type, t)
		if err != nil {
			return nil, fmt.Errorf("create input %s: %w", info.Name, err)
		}

		values = append(values, v)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// nil outputs are allocated by the runtime with their real shapes.
	if err := s.session.Run(values, outValues); err != nil {
		return nil, fmt.Errorf("run %s: %w", s.path, err)
	}

	return collectOutputs(s.outputs, selected, func(i int) (floatTensor, bool) {
		t, ok := outValues[i].(*ort.Tensor[float32])

		return t, ok && t != nil
	})
}

// Close destroys the underlying session. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.session != nil {
			s.closeErr = s.session.Destroy()
		}
	})

	return s.closeErr
}

var errUnsupportedInput = errors.New("unsupported input element type")

func newInputValue(typ ElementType, t Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)

	switch typ {
	case ElementFloat32:
		return ort.NewTensor(shape, t.Float32)
	case ElementInt64:
		return ort.NewTensor(shape, t.Int64)
	case ElementInt32:
		narrowed := make([]int32, len(t.Int64))
		for i, v := range t.Int64 {
			narrowed[i] = int32(v)
		}

		return ort.NewTensor(shape, narrowed)
	default:
		return nil, errUnsupportedInput
	}
}
