package vision

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/formbricks/hdir/internal/imaging"
	"github.com/formbricks/hdir/internal/inference"
)

// Classifier file names inside the model directory.
const (
	ClassifierModelFile = "model.onnx"
	ClassifierLabelFile = "labels.txt"
)

// Classifier is an ImageNet-style image classifier (AlexNet exported to ONNX).
type Classifier struct {
	name       string
	runner     inference.Runner
	labels     []string
	preprocess imaging.Config
	input      string
	output     string
	logits     bool
}

// LoadClassifier loads dir/model.onnx and dir/labels.txt (one label per line, in output order).
func LoadClassifier(opener inference.Opener, dir string) (*Classifier, error) {
	labels, err := readLabels(filepath.Join(dir, ClassifierLabelFile))
	if err != nil {
		return nil, err
	}

	runner, err := opener.Open(filepath.Join(dir, ClassifierModelFile))
	if err != nil {
		return nil, err
	}

	c, err := newClassifier(filepath.Base(filepath.Clean(dir)), runner, labels)
	if err != nil {
		_ = runner.Close()

		return nil, err
	}

	return c, nil
}

func newClassifier(name string, runner inference.Runner, labels []string) (*Classifier, error) {
	in, ok := firstInput(runner, inference.ElementFloat32)
	if !ok || len(in.Shape) != 4 {
		return nil, fmt.Errorf("%w: classifier needs a float32 NCHW input", errModelLayout)
	}

	outs := runner.Outputs()
	if len(outs) == 0 {
		return nil, fmt.Errorf("%w: classifier declares no outputs", errModelLayout)
	}

	out := outs[0]
	if width := lastDim(out.Shape); width > 0 && width != len(labels) {
		return nil, fmt.Errorf("%w: model has %d classes but %d labels", errModelLayout, width, len(labels))
	}

	pre := imaging.ImageNetConfig()
	if side := in.Shape[2]; side > 0 && int(side) != pre.Crop {
		pre.ResizeShortest = int(side) * pre.ResizeShortest / pre.Crop
		pre.Crop = int(side)
	}

	lower := strings.ToLower(out.Name)

	return &Classifier{
		name:       name,
		runner:     runner,
		labels:     labels,
		preprocess: pre,
		input:      in.Name,
		output:     out.Name,
		logits:     !strings.Contains(lower, "prob") && !strings.Contains(lower, "softmax"),
	}, nil
}

// Name identifies the model (its directory name).
func (c *Classifier) Name() string { return c.name }

// Labels returns the number of classes.
func (c *Classifier) Labels() int { return len(c.labels) }

// Classify returns the topK predictions, most probable first. topK is clamped to [1, labels].
func (c *Classifier) Classify(ctx context.Context, img image.Image, k int) ([]Prediction, error) {
	pixels := imaging.Preprocess(img, c.preprocess)
	side := int64(c.preprocess.Crop)

	outputs, err := c.runner.Run(ctx, []inference.Tensor{{
		Name:    c.input,
		Shape:   []int64{1, 3, side, side},
		Float32: pixels,
	}}, c.output)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	row := outputs[c.output].Row(0)
	if len(row) == 0 {
		return nil, fmt.Errorf("%w: classifier returned no scores", errModelLayout)
	}

	var probs []float64
	if c.logits {
		probs = softmax(row)
	} else {
		probs = make([]float64, len(row))
		for i, v := range row {
			probs[i] = float64(v)
		}
	}

	return topK(probs, c.labels, k), nil
}

// Close releases the session.
func (c *Classifier) Close() error {
	return c.runner.Close()
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, strings.TrimSpace(scanner.Text()))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}

	for len(labels) > 0 && labels[len(labels)-1] == "" {
		labels = labels[:len(labels)-1]
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}

	return labels, nil
}
