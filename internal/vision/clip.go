package vision

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/imaging"
	"github.com/formbricks/hdir/internal/inference"
	"github.com/formbricks/hdir/internal/tokenizer"
	"github.com/formbricks/hdir/pkg/embeddings"
)

// Variant selects the preprocessing and config handling of a dual encoder.
type Variant string

// Supported variants.
const (
	VariantCLIP     Variant = "clip"
	VariantOpenCLIP Variant = "open_clip"
)

// Files expected in an embedding model directory.
const (
	VisualModelFile  = "visual.onnx"
	TextualModelFile = "textual.onnx"
	VocabFile        = "vocab.json"
	MergesFile       = "merges.txt"
	OpenCLIPConfig   = "open_clip_config.json"
)

// CLIPModel embeds images and text into one space. Vectors are L2-normalized.
type CLIPModel struct {
	name    string
	variant Variant
	visual  inference.Runner
	textual inference.Runner
	tok     *tokenizer.Tokenizer
	pre     imaging.Config
	dim     int

	pixelInput   string
	visualOutput string
	idsInput     inference.IOInfo
	maskInput    string
	textOutput   string
}

// LoadCLIP loads the visual and textual towers plus the tokenizer from dir. name labels the
// model in logs, metrics and storage; empty uses the variant.
func LoadCLIP(opener inference.Opener, variant Variant, dir, name string) (*CLIPModel, error) {
	if variant != VariantCLIP && variant != VariantOpenCLIP {
		return nil, fmt.Errorf("unsupported embedding variant %q", variant)
	}

	if name == "" {
		name = string(variant)
	}

	pre := imaging.CLIPConfig()
	contextLength := 0

	if variant == VariantOpenCLIP {
		cfg, err := readOpenCLIPConfig(filepath.Join(dir, OpenCLIPConfig))
		if err != nil {
			return nil, err
		}

		if cfg != nil {
			if pre, err = cfg.apply(pre); err != nil {
				return nil, err
			}

			contextLength = cfg.ModelCfg.TextCfg.ContextLength
		}
	}

	visual, err := opener.Open(filepath.Join(dir, VisualModelFile))
	if err != nil {
		return nil, err
	}

	textual, err := opener.Open(filepath.Join(dir, TextualModelFile))
	if err != nil {
		_ = visual.Close()

		return nil, err
	}

	m, err := newCLIPModel(name, variant, visual, textual, pre, contextLength, dir)
	if err != nil {
		_ = visual.Close()
		_ = textual.Close()

		return nil, err
	}

	slog.Info("Embedding model loaded", "name", name, "variant", variant, "dim", m.dim,
		"context_length", m.tok.ContextLength(), "image_size", m.pre.Crop)

	return m, nil
}

func newCLIPModel(
	name string, variant Variant, visual, textual inference.Runner,
	pre imaging.Config, contextLength int, dir string,
) (*CLIPModel, error) {
	pixels, ok := firstInput(visual, inference.ElementFloat32)
	if !ok || len(pixels.Shape) != 4 {
		return nil, fmt.Errorf("%w: visual tower needs a float32 NCHW input", errModelLayout)
	}

	if side := pixels.Shape[2]; side > 0 && int(side) != pre.Crop {
		pre.Crop = int(side)
		pre.ResizeShortest = int(side)
	}

	if err := pre.Validate(); err != nil {
		return nil, err
	}

	ids, ok := inputNamed(textual, "input_ids")
	if !ok {
		ids, ok = firstInput(textual, inference.ElementInt64, inference.ElementInt32)
	}

	if !ok || len(ids.Shape) != 2 {
		return nil, fmt.Errorf("%w: textual tower needs an integer [batch, seq] input", errModelLayout)
	}

	// A static sequence dimension is authoritative.
	if seq := ids.Shape[1]; seq > 0 {
		if contextLength > 0 && int(seq) != contextLength {
			slog.Warn("context length from config differs from model input, using model",
				"config", contextLength, "model", seq)
		}

		contextLength = int(seq)
	}

	tok, err := tokenizer.Load(filepath.Join(dir, VocabFile), filepath.Join(dir, MergesFile), contextLength)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	visualOut, err := embeddingOutput(visual)
	if err != nil {
		return nil, err
	}

	textOut, err := embeddingOutput(textual)
	if err != nil {
		return nil, err
	}

	dim := lastDim(visualOut.Shape)
	if td := lastDim(textOut.Shape); dim > 0 && td > 0 && dim != td {
		return nil, fmt.Errorf("%w: image dim %d != text dim %d", errModelLayout, dim, td)
	}

	m := &CLIPModel{
		name:         name,
		variant:      variant,
		visual:       visual,
		textual:      textual,
		tok:          tok,
		pre:          pre,
		dim:          dim,
		pixelInput:   pixels.Name,
		visualOutput: visualOut.Name,
		idsInput:     ids,
		textOutput:   textOut.Name,
	}

	if mask, ok := inputNamed(textual, "attention_mask"); ok {
		m.maskInput = mask.Name
	}

	return m, nil
}

// Name labels the model.
func (m *CLIPModel) Name() string { return m.name }

// Variant reports clip or open_clip.
func (m *CLIPModel) Variant() Variant { return m.variant }

// Dim is the embedding width, or 0 when the model declares it dynamically.
func (m *CLIPModel) Dim() int { return m.dim }

// EncodeImage returns the unit-length image embedding.
func (m *CLIPModel) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	side := int64(m.pre.Crop)

	outputs, err := m.visual.Run(ctx, []inference.Tensor{{
		Name:    m.pixelInput,
		Shape:   []int64{1, 3, side, side},
		Float32: imaging.Preprocess(img, m.pre),
	}}, m.visualOutput)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	return m.pick(outputs, m.visualOutput)
}

// EncodeText returns the unit-length text embedding. Text longer than the context window is
// truncated.
func (m *CLIPModel) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, huberrors.NewValidationError("text", "text must not be empty")
	}

	ids, n := m.tok.TokenizeWithLength(text)
	seq := int64(len(ids))

	inputs := []inference.Tensor{{Name: m.idsInput.Name, Shape: []int64{1, seq}, Int64: ids}}

	if m.maskInput != "" {
		mask := make([]int64, len(ids))
		for i := range n {
			mask[i] = 1
		}

		inputs = append(inputs, inference.Tensor{Name: m.maskInput, Shape: []int64{1, seq}, Int64: mask})
	}

	outputs, err := m.textual.Run(ctx, inputs, m.textOutput)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}

	return m.pick(outputs, m.textOutput)
}

func (m *CLIPModel) pick(outputs map[string]inference.Output, name string) ([]float32, error) {
	out, ok := outputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing output %s", errModelLayout, name)
	}

	vec := out.Row(0)
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty output %s", errModelLayout, name)
	}

	return embeddings.Normalized(vec), nil
}

// Close releases both towers.
func (m *CLIPModel) Close() error {
	errV := m.visual.Close()
	errT := m.textual.Close()

	if errV != nil {
		return errV
	}

	return errT
}
