package vision

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/formbricks/hdir/internal/inference"
)

type fakeRunner struct {
	inputs  []inference.IOInfo
	outputs []inference.IOInfo
	result  func(inputs []inference.Tensor) map[string]inference.Output

	mu        sync.Mutex
	calls     [][]inference.Tensor
	requested [][]string
	closed    bool
}

func (f *fakeRunner) Inputs() []inference.IOInfo  { return f.inputs }
func (f *fakeRunner) Outputs() []inference.IOInfo { return f.outputs }

func (f *fakeRunner) Run(ctx context.Context, inputs []inference.Tensor, outputs ...string) (map[string]inference.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, inputs)
	f.requested = append(f.requested, outputs)
	f.mu.Unlock()

	return f.result(inputs), nil
}

func (f *fakeRunner) Close() error {
	f.closed = true

	return nil
}

// fakeOpener serves runners by model file name.
type fakeOpener map[string]*fakeRunner

func (o fakeOpener) Open(path string) (inference.Runner, error) {
	r, ok := o[filepath.Base(path)]
	if !ok {
		return nil, fmt.Errorf("no fake model for %s", path)
	}

	return r, nil
}

func constantOutput(name string, shape []int64, data ...float32) func([]inference.Tensor) map[string]inference.Output {
	return func([]inference.Tensor) map[string]inference.Output {
		return map[string]inference.Output{name: {Shape: shape, Data: data}}
	}
}
