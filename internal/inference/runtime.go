// Package inference wraps ONNX Runtime sessions behind a small Runner interface.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Runner executes a loaded model. Sessions implement it; tests substitute fakes.
type Runner interface {
	Inputs() []IOInfo
	Outputs() []IOInfo
	// Run returns the named outputs, or every float32 output when no names are given.
	Run(ctx context.Context, inputs []Tensor, outputs ...string) (map[string]Output, error)
	Close() error
}

// Opener loads a model file into a Runner.
type Opener interface {
	Open(path string) (Runner, error)
}

// RuntimeConfig configures the process-wide ONNX Runtime environment.
type RuntimeConfig struct {
	// LibraryPath is the onnxruntime shared library; empty uses the binding's default lookup.
	LibraryPath string
	// Device is "cpu" or "cuda".
	Device   string
	DeviceID int
	// IntraOpThreads of 0 lets ONNX Runtime decide.
	IntraOpThreads int
	// MaxConcurrent bounds concurrent Run calls per session.
	MaxConcurrent int
}

// Runtime owns the ONNX Runtime environment and every session opened through it.
type Runtime struct {
	cfg RuntimeConfig

	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

var errClosed = errors.New("inference runtime is closed")

// Init initializes the ONNX Runtime environment. Call Close on shutdown.
func Init(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	slog.Info("ONNX Runtime initialized",
		"version", ort.GetVersion(), "device", cfg.Device, "max_concurrent", cfg.MaxConcurrent)

	return &Runtime{cfg: cfg}, nil
}

// Open implements Opener.
func (r *Runtime) Open(path string) (Runner, error) {
	return r.NewSession(path)
}

// NewSession reads the model's declared inputs and outputs and creates a session for it.
func (r *Runtime) NewSession(path string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errClosed
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", path, err)
	}

	inputs := convertInfo(inputInfo)
	outputs := convertInfo(outputInfo)

	opts, err := r.sessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path, names(inputs), names(outputs), opts)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", path, err)
	}

	s := newSession(path, session, inputs, outputs, r.cfg.MaxConcurrent)
	r.sessions = append(r.sessions, s)

	slog.Info("Model loaded", "path", path, "inputs", len(inputs), "outputs", len(outputs))

	return s, nil
}

func (r *Runtime) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}

	if r.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(r.cfg.IntraOpThreads); err != nil {
			opts.Destroy()

			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	if r.cfg.Device == "cuda" {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()

			return nil, fmt.Errorf("create CUDA provider options: %w", err)
		}
		defer cuda.Destroy()

		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(r.cfg.DeviceID)}); err != nil {
			opts.Destroy()

			return nil, fmt.Errorf("configure CUDA provider: %w", err)
		}

		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()

			return nil, fmt.Errorf("enable CUDA provider: %w", err)
		}
	}

	return opts, nil
}

// Close destroys every session and then the environment.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	var errs []error
	for _, s := range r.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := ort.DestroyEnvironment(); err != nil {
		errs = append(errs, fmt.Errorf("destroy onnxruntime environment: %w", err))
	}

	return errors.Join(errs...)
}

func convertInfo(infos []ort.InputOutputInfo) []IOInfo {
	out := make([]IOInfo, len(infos))
	for i, info := range infos {
		out[i] = IOInfo{
			Name:  info.Name,
			Shape: append([]int64(nil), info.Dimensions...),
			Type:  convertType(info.DataType),
		}
	}

	return out
}

func convertType(t ort.TensorElementDataType) ElementType {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return ElementFloat32
	case ort.TensorElementDataTypeInt64:
		return ElementInt64
	case ort.TensorElementDataTypeInt32:
		return ElementInt32
	default:
		return ElementUnknown
	}
}

func names(infos []IOInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}

	return out
}
