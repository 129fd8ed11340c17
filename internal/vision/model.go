// Package vision holds the pretrained models: an ImageNet classifier (AlexNet) and the
// CLIP / open_clip dual encoders. Models are immutable after loading and safe for concurrent use.
package vision

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/formbricks/hdir/internal/inference"
)

var errModelLayout = errors.New("unexpected model layout")

// Prediction is one classifier label with its softmax probability.
type Prediction struct {
	Label       string  `json:"label"`
	Index       int     `json:"index"`
	Probability float64 `json:"probability"`
}

func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}

	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}

	out := make([]float64, len(logits))

	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxLogit)
		sum += out[i]
	}

	for i := range out {
		out[i] /= sum
	}

	return out
}

// topK returns the k most probable labels, ties broken by index.
func topK(probs []float64, labels []string, k int) []Prediction {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})

	k = min(max(k, 1), len(idx))
	out := make([]Prediction, k)

	for i := range k {
		j := idx[i]

		label := fmt.Sprintf("class_%d", j)
		if j < len(labels) {
			label = labels[j]
		}

		out[i] = Prediction{Label: label, Index: j, Probability: probs[j]}
	}

	return out
}

// firstInput returns the first declared input of the given element types.
func firstInput(r inference.Runner, types ...inference.ElementType) (inference.IOInfo, bool) {
	for _, in := range r.Inputs() {
		for _, t := range types {
			if in.Type == t {
				return in, true
			}
		}
	}

	return inference.IOInfo{}, false
}

// inputNamed finds an input whose name contains fragment.
func inputNamed(r inference.Runner, fragment string) (inference.IOInfo, bool) {
	for _, in := range r.Inputs() {
		if strings.Contains(strings.ToLower(in.Name), fragment) {
			return in, true
		}
	}

	return inference.IOInfo{}, false
}

// embeddingOutput picks the output whose name contains "embed", else the first output.
func embeddingOutput(r inference.Runner) (inference.IOInfo, error) {
	outs := r.Outputs()
	if len(outs) == 0 {
		return inference.IOInfo{}, fmt.Errorf("%w: model declares no outputs", errModelLayout)
	}

	for _, o := range outs {
		if strings.Contains(strings.ToLower(o.Name), "embed") {
			return o, nil
		}
	}

	return outs[0], nil
}

// lastDim returns the static trailing dimension of shape, or 0 when it is dynamic.
func lastDim(shape []int64) int {
	if len(shape) == 0 || shape[len(shape)-1] < 0 {
		return 0
	}

	return int(shape[len(shape)-1])
}
