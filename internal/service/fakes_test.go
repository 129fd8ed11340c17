package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/require"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/models"
	"github.com/formbricks/hdir/internal/vision"
	"github.com/formbricks/hdir/pkg/embeddings"
)

// pngBytes returns a small solid-colour PNG. Different shades give different content ids.
func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.Set(x, y, color.RGBA{R: shade, G: 255 - shade, B: 0, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}

// writeImage writes a PNG under dir and returns its path.
func writeImage(t *testing.T, dir, name string, shade uint8) string {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, pngBytes(t, shade), 0o600))

	return p
}

// fakeEmbedder maps an image to [red, green, 0] and text to a fixed table, both normalized.
type fakeEmbedder struct {
	name       string
	texts      map[string][]float32
	imageCalls atomic.Int32
	textCalls  atomic.Int32
	err        error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		name: "clip",
		texts: map[string][]float32{
			"red":   {1, 0, 0},
			"green": {0, 1, 0},
			"blue":  {0, 0, 1},
		},
	}
}

func (f *fakeEmbedder) Name() string { return f.name }
func (f *fakeEmbedder) Dim() int     { return 3 }

func (f *fakeEmbedder) EncodeImage(_ context.Context, img image.Image) ([]float32, error) {
	f.imageCalls.Add(1)

	if f.err != nil {
		return nil, f.err
	}

	r, g, _, _ := img.At(0, 0).RGBA()

	return embeddings.Normalized([]float32{float32(r), float32(g), 0}), nil
}

func (f *fakeEmbedder) EncodeText(_ context.Context, text string) ([]float32, error) {
	f.textCalls.Add(1)

	if f.err != nil {
		return nil, f.err
	}

	if v, ok := f.texts[text]; ok {
		return v, nil
	}

	return embeddings.Normalized([]float32{1, 1, 1}), nil
}

type fakeClassifier struct{}

func (fakeClassifier) Name() string { return "alexnet" }

func (fakeClassifier) Classify(_ context.Context, _ image.Image, k int) ([]vision.Prediction, error) {
	preds := []vision.Prediction{
		{Label: "tabby", Index: 281, Probability: 0.7},
		{Label: "tiger cat", Index: 282, Probability: 0.2},
		{Label: "lynx", Index: 287, Probability: 0.1},
	}
	if k < len(preds) {
		preds = preds[:k]
	}

	return preds, nil
}

// memRepo is an in-memory ImageEmbeddingsRepository.
type memRepo struct {
	mu   sync.Mutex
	rows map[[2]string]models.ImageEmbedding
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[[2]string]models.ImageEmbedding)}
}

func (r *memRepo) Upsert(_ context.Context, e *models.ImageEmbedding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.Dim = len(e.Embedding)
	r.rows[[2]string{e.ImageID, e.Model}] = *e

	return nil
}

func (r *memRepo) Get(_ context.Context, imageID, model string) (*models.ImageEmbedding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rows[[2]string{imageID, model}]
	if !ok {
		return nil, huberrors.NewNotFoundError("image", "image "+imageID+" is not indexed")
	}

	return &e, nil
}

func (r *memRepo) Delete(_ context.Context, imageID, model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{imageID, model}
	if _, ok := r.rows[key]; !ok {
		return huberrors.NewNotFoundError("image", "image "+imageID+" is not indexed")
	}

	delete(r.rows, key)

	return nil
}

func (r *memRepo) DeleteByModel(_ context.Context, model string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64

	for k := range r.rows {
		if k[1] == model {
			delete(r.rows, k)
			n++
		}
	}

	return n, nil
}

func (r *memRepo) Nearest(_ context.Context, model string, query []float32, limit int, minScore float64) ([]models.ImageMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.ImageMatch

	for k, e := range r.rows {
		if k[1] != model {
			continue
		}

		score, err := embeddings.Cosine(query, e.Embedding)
		if err != nil {
			return nil, err
		}

		if score >= minScore {
			out = append(out, models.ImageMatch{ImageID: e.ImageID, Path: e.Path, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *memRepo) Count(_ context.Context, model string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64

	for k := range r.rows {
		if k[1] == model {
			n++
		}
	}

	return n, nil
}

// recordingInserter records Insert calls and reports a duplicate for repeated args.
type recordingInserter struct {
	mu   sync.Mutex
	args []river.JobArgs
	opts []*river.InsertOpts
	seen map[ImageIndexArgs]bool
	err  error
}

func (r *recordingInserter) Insert(
	_ context.Context, args river.JobArgs, opts *river.InsertOpts,
) (*rivertype.JobInsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}

	r.args = append(r.args, args)
	r.opts = append(r.opts, opts)

	if r.seen == nil {
		r.seen = make(map[ImageIndexArgs]bool)
	}

	a, _ := args.(ImageIndexArgs)
	dup := r.seen[a]
	r.seen[a] = true

	return &rivertype.JobInsertResult{
		Job:                      &rivertype.JobRow{ID: int64(len(r.args))},
		UniqueSkippedAsDuplicate: dup,
	}, nil
}

func newTestEncoder(t *testing.T, root string, embedder EmbeddingModel, store ImageVectorLookup) *EncoderService {
	t.Helper()

	p := EncoderServiceParams{
		Loader:         NewImageLoader(ImageRoots{Default: root}, nil, 1<<20),
		Store:          store,
		ImageCacheSize: 16,
		TextCacheSize:  16,
		Classifier:     fakeClassifier{},
	}
	if embedder != nil {
		p.Embedder = embedder
	}

	svc, err := NewEncoderService(p)
	require.NoError(t, err)

	return svc
}
