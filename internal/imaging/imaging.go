// Package imaging decodes images and turns them into normalized CHW float32 tensors
// for the vision models.
package imaging

import (
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/formbricks/hdir/internal/huberrors"
)

// Interpolation selects the resampling filter used for the resize step.
type Interpolation string

// Supported interpolation modes.
const (
	Bicubic  Interpolation = "bicubic"
	Bilinear Interpolation = "bilinear"
	Lanczos  Interpolation = "lanczos"
	Nearest  Interpolation = "nearest"
)

// Config describes a resize, center-crop and normalize pipeline.
type Config struct {
	// ResizeShortest is the target length of the shorter image side before cropping.
	ResizeShortest int
	// Crop is the side length of the square center crop.
	Crop          int
	Interpolation Interpolation
	Mean          [3]float32
	Std           [3]float32
}

// CLIPConfig is the OpenAI CLIP preprocessing (ViT-B/32 and friends).
func CLIPConfig() Config {
	return Config{
		ResizeShortest: 224,
		Crop:           224,
		Interpolation:  Bicubic,
		Mean:           [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:            [3]float32{0.26862954, 0.26130258, 0.27577711},
	}
}

// ImageNetConfig is the torchvision preprocessing used by AlexNet.
func ImageNetConfig() Config {
	return Config{
		ResizeShortest: 256,
		Crop:           224,
		Interpolation:  Bilinear,
		Mean:           [3]float32{0.485, 0.456, 0.406},
		Std:            [3]float32{0.229, 0.224, 0.225},
	}
}

// Validate checks that the config can produce a tensor.
func (c Config) Validate() error {
	if c.Crop <= 0 || c.ResizeShortest <= 0 {
		return fmt.Errorf("invalid preprocess sizes: resize=%d crop=%d", c.ResizeShortest, c.Crop)
	}

	if c.ResizeShortest < c.Crop {
		return fmt.Errorf("resize %d is smaller than crop %d", c.ResizeShortest, c.Crop)
	}

	for i, s := range c.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] must not be zero", i)
		}
	}

	if _, err := ParseInterpolation(string(c.Interpolation)); err != nil {
		return err
	}

	return nil
}

// ParseInterpolation maps a config string to an Interpolation. Empty means bicubic.
func ParseInterpolation(s string) (Interpolation, error) {
	switch Interpolation(s) {
	case "", Bicubic:
		return Bicubic, nil
	case Bilinear, Lanczos, Nearest:
		return Interpolation(s), nil
	default:
		return "", fmt.Errorf("unsupported interpolation %q", s)
	}
}

func (i Interpolation) filter() imaging.ResampleFilter {
	switch i {
	case Bilinear:
		return imaging.Linear
	case Lanczos:
		return imaging.Lanczos
	case Nearest:
		return imaging.NearestNeighbor
	default:
		return imaging.CatmullRom
	}
}

// Decode reads an image in any registered format (JPEG, PNG, GIF, BMP, TIFF, WebP) and applies
// its EXIF orientation. Undecodable input is reported as huberrors.ErrUnsupportedMedia.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, huberrors.NewUnsupportedMediaError("cannot decode image: " + err.Error())
	}

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, huberrors.NewUnsupportedMediaError("image has no pixels")
	}

	return img, nil
}

// Preprocess resizes img so its shorter side equals cfg.ResizeShortest, center-crops it to
// cfg.Crop x cfg.Crop and returns the RGB channels in CHW order, scaled to [0,1] and
// normalized per channel. Alpha is dropped.
func Preprocess(img image.Image, cfg Config) []float32 {
	resized := resizeShortest(img, cfg.ResizeShortest, cfg.Interpolation.filter())
	cropped := imaging.CropCenter(resized, cfg.Crop, cfg.Crop)

	size := cfg.Crop
	plane := size * size
	out := make([]float32, 3*plane)

	// CropCenter clamps to the source bounds; a crop larger than the image leaves zeros.
	b := cropped.Bounds()
	for y := 0; y < b.Dy() && y < size; y++ {
		row := cropped.Pix[y*cropped.Stride:]
		for x := 0; x < b.Dx() && x < size; x++ {
			px := row[x*4 : x*4+3]
			idx := y*size + x

			for c := range 3 {
				v := float32(px[c]) / 255
				out[c*plane+idx] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}

	return out
}

func resizeShortest(img image.Image, shortest int, filter imaging.ResampleFilter) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var nw, nh int
	if w <= h {
		nw = shortest
		nh = max(1, int(float64(h)*float64(shortest)/float64(w)+0.5))
	} else {
		nh = shortest
		nw = max(1, int(float64(w)*float64(shortest)/float64(h)+0.5))
	}

	return imaging.Resize(img, nw, nh, filter)
}
