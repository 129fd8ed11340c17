package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbricks/hdir/internal/huberrors"
	"github.com/formbricks/hdir/internal/models"
)

type indexFixture struct {
	root     string
	embedder *fakeEmbedder
	encoder  *EncoderService
	repo     *memRepo
	inserter *recordingInserter
	svc      *IndexService
}

func newIndexFixture(t *testing.T) *indexFixture {
	t.Helper()

	f := &indexFixture{
		root:     t.TempDir(),
		embedder: newFakeEmbedder(),
		repo:     newMemRepo(),
		inserter: &recordingInserter{},
	}
	f.encoder = newTestEncoder(t, f.root, f.embedder, f.repo)
	f.svc = NewIndexService(IndexServiceParams{
		Encoder:        f.encoder,
		Repo:           f.repo,
		Inserter:       f.inserter,
		MaxAttempts:    3,
		ScoreThreshold: 0.2,
	})

	return f
}

func TestIndexService_Index(t *testing.T) {
	f := newIndexFixture(t)
	writeImage(t, f.root, "red.png", 255)
	ctx := context.Background()

	t.Run("defaults the id to the content id", func(t *testing.T) {
		res, err := f.svc.Index(ctx, "", "red.png")
		require.NoError(t, err)
		assert.Equal(t, ContentID(pngBytes(t, 255)), res.ImageID)
		assert.Equal(t, "clip", res.Model)

		stored, err := f.svc.Get(ctx, res.ImageID)
		require.NoError(t, err)
		assert.Equal(t, "red.png", stored.Path)
		assert.Equal(t, 3, stored.Dim)
	})

	t.Run("custom id is usable for similarity", func(t *testing.T) {
		res, err := f.svc.Index(ctx, "media-42", "red.png")
		require.NoError(t, err)
		assert.Equal(t, "media-42", res.ImageID)

		sim, err := f.encoder.Similarity(ctx, SimilarityInput{ImageID: "media-42", Text: "red"})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim.Similarity, 1e-6)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := f.svc.Index(ctx, "", "gone.png")
		assert.ErrorIs(t, err, huberrors.ErrNotFound)
	})

	n, err := f.svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIndexService_Enqueue(t *testing.T) {
	f := newIndexFixture(t)
	writeImage(t, f.root, "red.png", 255)
	ctx := context.Background()

	res, err := f.svc.Enqueue(ctx, "", "red.png")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.JobID)
	assert.False(t, res.Duplicate)

	require.Len(t, f.inserter.args, 1)
	assert.Equal(t, ImageIndexArgs{Path: "red.png", Model: "clip"}, f.inserter.args[0])
	assert.Equal(t, ImageIndexQueueName, f.inserter.opts[0].Queue)
	assert.Equal(t, 3, f.inserter.opts[0].MaxAttempts)
	assert.True(t, f.inserter.opts[0].UniqueOpts.ByArgs)

	again, err := f.svc.Enqueue(ctx, "", "red.png")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	t.Run("path is checked before enqueueing", func(t *testing.T) {
		_, err := f.svc.Enqueue(ctx, "", "gone.png")
		assert.ErrorIs(t, err, huberrors.ErrNotFound)

		_, err = f.svc.Enqueue(ctx, "", "../escape.png")
		assert.ErrorIs(t, err, huberrors.ErrValidation)
		assert.Len(t, f.inserter.args, 2)
	})

	t.Run("files without an id stay distinct", func(t *testing.T) {
		writeImage(t, f.root, "green.png", 20)

		res, err := f.svc.Enqueue(ctx, "", "green.png")
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, ImageIndexArgs{Path: "green.png", Model: "clip"}, f.inserter.args[len(f.inserter.args)-1])
	})

	t.Run("insert failure", func(t *testing.T) {
		f.inserter.err = errors.New("db down")
		defer func() { f.inserter.err = nil }()

		_, err := f.svc.Enqueue(ctx, "", "red.png")
		assert.Error(t, err)
	})

	t.Run("no queue", func(t *testing.T) {
		svc := NewIndexService(IndexServiceParams{Encoder: f.encoder, Repo: f.repo})

		_, err := svc.Enqueue(ctx, "", "red.png")
		assert.ErrorIs(t, err, huberrors.ErrUnavailable)
	})
}

func TestIndexService_Search(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	for id, vec := range map[string][]float32{
		"red":     {1, 0, 0},
		"reddish": {0.99, 0.1, 0},
		"orange":  {0.8, 0.6, 0},
		"green":   {0, 1, 0},
	} {
		require.NoError(t, f.repo.Upsert(ctx, &models.ImageEmbedding{ImageID: id, Model: "clip", Embedding: vec}))
	}

	require.NoError(t, f.repo.Upsert(ctx, &models.ImageEmbedding{ImageID: "other-model", Model: "open_clip", Embedding: []float32{1, 0, 0}}))

	t.Run("skims after the first large drop", func(t *testing.T) {
		matches, err := f.svc.Search(ctx, "red", 0, nil)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "red", matches[0].ImageID)
		assert.Equal(t, "reddish", matches[1].ImageID)
	})

	t.Run("threshold removes everything", func(t *testing.T) {
		_, err := f.svc.Search(ctx, "blue", 0, nil)
		require.ErrorIs(t, err, huberrors.ErrNotFound)
		assert.Equal(t, "no images matched the search text", err.Error())
	})

	t.Run("explicit min score", func(t *testing.T) {
		low := -1.0
		matches, err := f.svc.Search(ctx, "blue", 10, &low)
		require.NoError(t, err)
		assert.NotEmpty(t, matches)
	})

	t.Run("invalid min score", func(t *testing.T) {
		bad := 1.5
		_, err := f.svc.Search(ctx, "red", 10, &bad)
		assert.ErrorIs(t, err, huberrors.ErrValidation)
	})

	t.Run("empty text", func(t *testing.T) {
		_, err := f.svc.Search(ctx, " ", 10, nil)
		assert.ErrorIs(t, err, huberrors.ErrValidation)
	})

	t.Run("limit", func(t *testing.T) {
		matches, err := f.svc.Search(ctx, "red", 1, nil)
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})
}

func TestIndexService_DeleteAndDrop(t *testing.T) {
	f := newIndexFixture(t)
	writeImage(t, f.root, "red.png", 255)
	writeImage(t, f.root, "green.png", 0)
	ctx := context.Background()

	red, err := f.svc.Index(ctx, "", "red.png")
	require.NoError(t, err)
	_, err = f.svc.Index(ctx, "", "green.png")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, red.ImageID))
	assert.ErrorIs(t, f.svc.Delete(ctx, red.ImageID), huberrors.ErrNotFound)

	_, err = f.encoder.CachedImageEmbedding(ctx, red.ImageID)
	assert.ErrorIs(t, err, huberrors.ErrNotFound)

	n, err := f.svc.DropAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := f.svc.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSkimTop(t *testing.T) {
	m := func(scores ...float64) []models.ImageMatch {
		out := make([]models.ImageMatch, len(scores))
		for i, s := range scores {
			out[i] = models.ImageMatch{Score: s}
		}

		return out
	}

	tests := []struct {
		name string
		in   []models.ImageMatch
		want int
	}{
		{name: "empty", in: nil, want: 0},
		{name: "single", in: m(0.3), want: 1},
		{name: "no gap", in: m(0.305, 0.3, 0.295), want: 3},
		{name: "gap after first", in: m(0.35, 0.3, 0.29), want: 1},
		{name: "first gap wins", in: m(0.35, 0.345, 0.32, 0.2), want: 2},
		{name: "small drops kept", in: m(0.5, 0.495, 0.49), want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, skimTop(tt.in), tt.want)
		})
	}
}
