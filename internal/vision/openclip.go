package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/formbricks/hdir/internal/imaging"
)

// openCLIPConfig is the subset of open_clip_config.json (as published with open_clip
// checkpoints on the Hugging Face hub) that affects inference.
type openCLIPConfig struct {
	ModelCfg struct {
		EmbedDim  int `json:"embed_dim"`
		VisionCfg struct {
			ImageSize any `json:"image_size"`
		} `json:"vision_cfg"`
		TextCfg struct {
			ContextLength int `json:"context_length"`
		} `json:"text_cfg"`
	} `json:"model_cfg"`
	PreprocessCfg struct {
		Size          any       `json:"size"`
		Mean          []float32 `json:"mean"`
		Std           []float32 `json:"std"`
		Interpolation string    `json:"interpolation"`
	} `json:"preprocess_cfg"`
}

// readOpenCLIPConfig returns nil, nil when the file does not exist.
func readOpenCLIPConfig(path string) (*openCLIPConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read open_clip config: %w", err)
	}

	var cfg openCLIPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse open_clip config %s: %w", path, err)
	}

	return &cfg, nil
}

// apply overrides the CLIP preset with the checkpoint's own preprocessing.
func (c *openCLIPConfig) apply(base imaging.Config) (imaging.Config, error) {
	out := base

	size := sizeOf(c.PreprocessCfg.Size)
	if size == 0 {
		size = sizeOf(c.ModelCfg.VisionCfg.ImageSize)
	}

	if size > 0 {
		out.Crop = size
		out.ResizeShortest = size
	}

	if len(c.PreprocessCfg.Mean) == 3 {
		copy(out.Mean[:], c.PreprocessCfg.Mean)
	}

	if len(c.PreprocessCfg.Std) == 3 {
		copy(out.Std[:], c.PreprocessCfg.Std)
	}

	if c.PreprocessCfg.Interpolation != "" {
		interp, err := imaging.ParseInterpolation(c.PreprocessCfg.Interpolation)
		if err != nil {
			return base, err
		}

		out.Interpolation = interp
	}

	return out, out.Validate()
}

// sizeOf accepts either a number or a [height, width] pair and returns the first side.
func sizeOf(v any) int {
	switch s := v.(type) {
	case float64:
		return int(s)
	case []any:
		if len(s) > 0 {
			if f, ok := s[0].(float64); ok {
				return int(f)
			}
		}
	}

	return 0
}
