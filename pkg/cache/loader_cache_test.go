package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoaderCache_Get_miss_then_hit(t *testing.T) {
	loads := atomic.Int32{}

	c, err := NewStringCache[string](10)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	load := func(_ context.Context, key string) (string, error) {
		loads.Add(1)

		return "v-" + key, nil
	}

	v, hit, err := c.GetWithStats(ctx, "a", load)
	if err != nil {
		t.Fatal(err)
	}

	if hit {
		t.Error("expected miss")
	}

	if v != "v-a" {
		t.Errorf("got %q", v)
	}

	if loads.Load() != 1 {
		t.Errorf("loads = %d", loads.Load())
	}

	v, hit, err = c.GetWithStats(ctx, "a", load)
	if err != nil {
		t.Fatal(err)
	}

	if !hit {
		t.Error("expected hit")
	}

	if v != "v-a" {
		t.Errorf("got %q", v)
	}

	if loads.Load() != 1 {
		t.Errorf("loads = %d", loads.Load())
	}
}

func TestLoaderCache_Get_singleflight(t *testing.T) {
	loads := atomic.Int32{}

	c, err := NewLoaderCache[string, int](10, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	var gate sync.WaitGroup
	gate.Add(1)

	var arrived atomic.Int32
	//nolint:unparam // load always returns nil error for this test.
	load := func(_ context.Context, _ string) (int, error) {
		loads.Add(1)

		return 42, nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if arrived.Add(1) == 10 {
				gate.Done()
			}

			gate.Wait()

			val, _, err := c.GetWithStats(ctx, "x", load)
			if err != nil {
				t.Error(err)

				return
			}

			if val != 42 {
				t.Errorf("got %d", val)
			}
		}()
	}

	wg.Wait()

	// Scheduling decides how many callers overlap inside Do; every caller must still see 42.
	if n := loads.Load(); n < 1 || n > 10 {
		t.Errorf("expected 1–10 loads (singleflight coalescing), got %d", n)
	}
}

func TestLoaderCache_Invalidate(t *testing.T) {
	c, err := NewLoaderCache[string, string](10, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	load := func(_ context.Context, key string) (string, error) { return "v-" + key, nil }

	_, _ = c.Get(ctx, "a", load)
	if c.Len() != 1 {
		t.Errorf("Len = %d", c.Len())
	}

	c.Invalidate("a")

	if c.Len() != 0 {
		t.Errorf("Len = %d", c.Len())
	}

	_, hit, _ := c.GetWithStats(ctx, "a", load)
	if hit {
		t.Error("expected miss after Invalidate")
	}
}

func TestLoaderCache_InvalidateAll(t *testing.T) {
	c, err := NewLoaderCache[string, string](10, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	load := func(_ context.Context, key string) (string, error) { return "v-" + key, nil }

	_, _ = c.Get(ctx, "a", load)

	_, _ = c.Get(ctx, "b", load)
	if c.Len() != 2 {
		t.Errorf("Len = %d", c.Len())
	}

	c.InvalidateAll()

	if c.Len() != 0 {
		t.Errorf("Len = %d", c.Len())
	}

	_, hit, _ := c.GetWithStats(ctx, "a", load)
	if hit {
		t.Error("expected miss after InvalidateAll")
	}
}

func TestLoaderCache_Get_load_error(t *testing.T) {
	c, err := NewLoaderCache[string, string](10, func(s string) string { return s })
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	loadErr := context.DeadlineExceeded
	load := func(_ context.Context, _ string) (string, error) {
		return "", loadErr
	}

	_, err = c.Get(ctx, "a", load)
	if !errors.Is(err, loadErr) {
		t.Errorf("got err %v", err)
	}

	if c.Len() != 0 {
		t.Error("failed load should not be cached")
	}
}

func TestLoaderCache_Peek_does_not_load(t *testing.T) {
	c, err := NewStringCache[[]float32](2)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Peek("sha"); ok {
		t.Fatal("expected empty cache")
	}

	_, err = c.Get(context.Background(), "sha", func(_ context.Context, _ string) ([]float32, error) {
		return []float32{0.6, 0.8}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	v, ok := c.Peek("sha")
	if !ok || len(v) != 2 || v[1] != 0.8 {
		t.Errorf("Peek = %v, %v", v, ok)
	}
}

func TestLoaderCache_Add_and_eviction(t *testing.T) {
	c, err := NewStringCache[int](2)
	if err != nil {
		t.Fatal(err)
	}

	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)

	if _, ok := c.Peek("a"); ok {
		t.Error("oldest entry should be evicted")
	}

	if v, ok := c.Peek("c"); !ok || v != 3 {
		t.Errorf("Peek(c) = %d, %v", v, ok)
	}
}

func TestNewLoaderCache_invalid_size(t *testing.T) {
	if _, err := NewStringCache[int](0); err == nil {
		t.Error("expected error for non-positive size")
	}
}

func TestLoaderCache_Get_canceled_caller_does_not_fail_waiters(t *testing.T) {
	c, err := NewStringCache[string](10)
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})

	var loads atomic.Int32

	load := func(ctx context.Context, key string) (string, error) {
		loads.Add(1)
		close(started)
		<-release

		if err := ctx.Err(); err != nil {
			return "", err
		}

		return "v-" + key, nil
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)

	go func() {
		_, err := c.Get(firstCtx, "a", load)
		firstErr <- err
	}()

	<-started

	type result struct {
		val string
		err error
	}

	second := make(chan result, 1)

	go func() {
		v, err := c.Get(context.Background(), "a", load)
		second <- result{v, err}
	}()

	cancel()

	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller err = %v", err)
	}

	close(release)

	got := <-second
	if got.err != nil {
		t.Fatalf("second caller err = %v", got.err)
	}

	if got.val != "v-a" {
		t.Errorf("got %q", got.val)
	}

	if loads.Load() != 1 {
		t.Errorf("loads = %d", loads.Load())
	}

	if v, ok := c.Peek("a"); !ok || v != "v-a" {
		t.Errorf("Peek = %q, %v", v, ok)
	}
}

func TestLoaderCache_Get_load_timeout(t *testing.T) {
	c, err := NewStringCache[string](10, WithLoadTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	load := func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()

		return "", ctx.Err()
	}

	_, err = c.Get(context.Background(), "a", load)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got err %v", err)
	}

	if c.Len() != 0 {
		t.Error("timed out load should not be cached")
	}
}
