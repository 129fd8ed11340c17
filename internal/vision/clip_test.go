package vision

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/inference"
	"github.com/formbricks/hdir/pkg/embeddings"
)

func writeTokenizerFiles(t *testing.T, dir string) {
	t.Helper()

	vocab := `{"a":1,"b":2,"c":3,"ab":5,"abc</w>":6,"a</w>":4,"<|startoftext|>":100,"<|endoftext|>":101}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte(vocab), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MergesFile), []byte("#version: 0.2\na b\nab c</w>\n"), 0o600))
}

func clipRunners(seq int64, withMask bool) (*fakeRunner, *fakeRunner) {
	visual := &fakeRunner{
		inputs:  []inference.IOInfo{{Name: "pixel_values", Shape: []int64{-1, 3, 224, 224}, Type: inference.ElementFloat32}},
		outputs: []inference.IOInfo{{Name: "image_embeds", Shape: []int64{-1, 2}, Type: inference.ElementFloat32}},
		result:  constantOutput("image_embeds", []int64{1, 2}, 3, 4),
	}

	textInputs := []inference.IOInfo{{Name: "input_ids", Shape: []int64{-1, seq}, Type: inference.ElementInt64}}
	if withMask {
		textInputs = append(textInputs, inference.IOInfo{Name: "attention_mask", Shape: []int64{-1, seq}, Type: inference.ElementInt64})
	}

	textual := &fakeRunner{
		inputs: textInputs,
		outputs: []inference.IOInfo{
			{Name: "last_hidden_state", Shape: []int64{-1, seq, 4}, Type: inference.ElementFloat32},
			{Name: "text_embeds", Shape: []int64{-1, 2}, Type: inference.ElementFloat32},
		},
		result: constantOutput("text_embeds", []int64{1, 2}, 0, 2),
	}

	return visual, textual
}

func TestCLIPModel_encode(t *testing.T) {
	dir := t.TempDir()
	writeTokenizerFiles(t, dir)

	visual, textual := clipRunners(6, true)
	opener := fakeOpener{VisualModelFile: visual, TextualModelFile: textual}

	m, err := LoadCLIP(opener, VariantCLIP, dir, "")
	require.NoError(t, err)
	assert.Equal(t, "clip", m.Name())
	assert.Equal(t, 2, m.Dim())

	imgVec, err := m.EncodeImage(context.Background(), image.NewNRGBA(image.Rect(0, 0, 64, 48)))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, imgVec, 1e-6)

	txtVec, err := m.EncodeText(context.Background(), "ABC a")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 1}, txtVec, 1e-6)

	sim, err := embeddings.Dot(imgVec, txtVec)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, sim, 1e-6)

	require.Len(t, textual.calls, 1)
	call := textual.calls[0]
	require.Len(t, call, 2)
	assert.Equal(t, []int64{100, 6, 4, 101, 0, 0}, call[0].Int64)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0}, call[1].Int64)

	// last_hidden_state is never requested.
	assert.Equal(t, [][]string{{"image_embeds"}}, visual.requested)
	assert.Equal(t, [][]string{{"text_embeds"}}, textual.requested)
}

func TestCLIPModel_empty_text(t *testing.T) {
	dir := t.TempDir()
	writeTokenizerFiles(t, dir)

	visual, textual := clipRunners(6, false)

	m, err := LoadCLIP(fakeOpener{VisualModelFile: visual, TextualModelFile: textual}, VariantCLIP, dir, "clip-b32")
	require.NoError(t, err)

	_, err = m.EncodeText(context.Background(), "  \t")
	assert.ErrorIs(t, err, huberrors.ErrValidation)
	assert.Empty(t, textual.calls)
}

func TestLoadCLIP_open_clip_config(t *testing.T) {
	dir := t.TempDir()
	writeTokenizerFiles(t, dir)

	cfg := `{
		"model_cfg": {"embed_dim": 2, "vision_cfg": {"image_size": 256}, "text_cfg": {"context_length": 5}},
		"preprocess_cfg": {"mean": [0.5, 0.5, 0.5], "std": [0.5, 0.5, 0.5], "interpolation": "bilinear"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, OpenCLIPConfig), []byte(cfg), 0o600))

	visual, textual := clipRunners(-1, false)
	visual.inputs[0].Shape = []int64{-1, 3, -1, -1}

	m, err := LoadCLIP(fakeOpener{VisualModelFile: visual, TextualModelFile: textual}, VariantOpenCLIP, dir, "")
	require.NoError(t, err)

	assert.Equal(t, 256, m.pre.Crop)
	assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, m.pre.Mean)
	assert.Equal(t, 5, m.tok.ContextLength())

	_, err = m.EncodeImage(context.Background(), image.NewNRGBA(image.Rect(0, 0, 10, 10)))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 256, 256}, visual.calls[0][0].Shape)

	_, err = m.EncodeText(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5}, textual.calls[0][0].Shape)
}

func TestLoadCLIP_dimension_mismatch(t *testing.T) {
	dir := t.TempDir()
	writeTokenizerFiles(t, dir)

	visual, textual := clipRunners(6, false)
	textual.outputs[1].Shape = []int64{-1, 3}

	_, err := LoadCLIP(fakeOpener{VisualModelFile: visual, TextualModelFile: textual}, VariantCLIP, dir, "")
	require.ErrorIs(t, err, errModelLayout)
	assert.True(t, visual.closed)
	assert.True(t, textual.closed)
}

func TestLoadCLIP_unknown_variant(t *testing.T) {
	_, err := LoadCLIP(fakeOpener{}, Variant("blip"), t.TempDir(), "")
	assert.Error(t, err)
}
