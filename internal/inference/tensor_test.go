package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

// clipTextOutputs mirrors a Hugging Face CLIP text export: a hidden state with two dynamic
// dimensions next to the pooled embeddings.
var clipTextOutputs = []IOInfo{
	{Name: "last_hidden_state", Shape: []int64{-1, -1, 512}, Type: ElementFloat32},
	{Name: "pooler_output", Shape: []int64{-1, 512}, Type: ElementFloat32},
	{Name: "text_embeds", Shape: []int64{-1, 512}, Type: ElementFloat32},
	{Name: "token_count", Shape: []int64{-1}, Type: ElementInt64},
}

func TestSelectOutputs(t *testing.T) {
	tests := []struct {
		name    string
		want    []string
		expect  []int
		wantErr string
	}{
		{name: "named output", want: []string{"text_embeds"}, expect: []int{2}},
		{name: "several outputs keep request order", want: []string{"text_embeds", "last_hidden_state"}, expect: []int{2, 0}},
		{name: "no names selects float32 outputs", expect: []int{0, 1, 2}},
		{name: "unknown output", want: []string{"image_embeds"}, wantErr: "unknown output"},
		{name: "non-float32 output", want: []string{"token_count"}, wantErr: "unsupported element type int64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectOutputs(clipTextOutputs, tt.want)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

type stubTensor struct {
	shape ort.Shape
	data  []float32
}

func (s stubTensor) GetShape() ort.Shape { return s.shape }
func (s stubTensor) GetData() []float32  { return s.data }

func TestCollectOutputs(t *testing.T) {
	produced := map[int]stubTensor{
		0: {shape: ort.NewShape(1, 7, 512), data: make([]float32, 7*512)},
		2: {shape: ort.NewShape(1, 2), data: []float32{0.6, 0.8}},
	}

	get := func(i int) (floatTensor, bool) {
		v, ok := produced[i]

		return v, ok
	}

	t.Run("copies selected outputs", func(t *testing.T) {
		got, err := collectOutputs(clipTextOutputs, []int{2}, get)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []int64{1, 2}, got["text_embeds"].Shape)
		assert.Equal(t, []float32{0.6, 0.8}, got["text_embeds"].Data)

		// Runtime memory is released after Run; the result must not alias it.
		produced[2].data[0] = 9
		assert.InDelta(t, 0.6, got["text_embeds"].Data[0], 1e-6)
	})

	t.Run("shape comes from the runtime", func(t *testing.T) {
		got, err := collectOutputs(clipTextOutputs, []int{0}, get)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 7, 512}, got["last_hidden_state"].Shape)
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := collectOutputs(clipTextOutputs, []int{1}, get)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pooler_output")
	})
}

func TestCheckInput(t *testing.T) {
	image := IOInfo{Name: "pixel_values", Shape: []int64{-1, 3, 2, 2}, Type: ElementFloat32}

	ok := Tensor{Name: "pixel_values", Shape: []int64{1, 3, 2, 2}, Float32: make([]float32, 12)}
	require.NoError(t, checkInput(image, ok))

	wrongDim := Tensor{Name: "pixel_values", Shape: []int64{1, 3, 4, 4}, Float32: make([]float32, 48)}
	assert.ErrorIs(t, checkInput(image, wrongDim), errShape)

	wrongLen := Tensor{Name: "pixel_values", Shape: []int64{1, 3, 2, 2}, Float32: make([]float32, 5)}
	assert.ErrorIs(t, checkInput(image, wrongLen), errShape)

	wrongType := Tensor{Name: "pixel_values", Shape: []int64{1, 3, 2, 2}, Int64: make([]int64, 12)}
	assert.Error(t, checkInput(image, wrongType))

	ids := IOInfo{Name: "input_ids", Shape: []int64{-1, 77}, Type: ElementInt32}
	require.NoError(t, checkInput(ids, Tensor{Name: "input_ids", Shape: []int64{1, 77}, Int64: make([]int64, 77)}))
}

func TestOutputRow(t *testing.T) {
	out := Output{Shape: []int64{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}}

	assert.Equal(t, []float32{4, 5, 6}, out.Row(1))
	assert.Nil(t, out.Row(2))
	assert.Nil(t, Output{}.Row(0))
}

func TestElementTypeString(t *testing.T) {
	assert.Equal(t, "float32", ElementFloat32.String())
	assert.Equal(t, "int32", ElementInt32.String())
	assert.Equal(t, "unknown", ElementUnknown.String())
}
