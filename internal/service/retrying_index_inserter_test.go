package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyInserter struct {
	callCount int
	failUntil int // Insert fails until callCount reaches this; then succeeds.
}

func (f *flakyInserter) Insert(_ context.Context, _ river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.callCount++
	if f.callCount < f.failUntil {
		return nil, errors.New("transient error")
	}

	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(f.callCount)}}, nil
}

type countingRetries struct {
	retries int
}

func (c *countingRetries) RecordJobsEnqueued(context.Context, int64)            {}
func (c *countingRetries) RecordEnqueueRetry(context.Context)                   { c.retries++ }
func (c *countingRetries) RecordOutcome(context.Context, string, time.Duration) {}
func (c *countingRetries) SetQueueDepth(int64)                                  {}

func newRetrying(inner ImageIndexInserter, maxRetries int, metrics *countingRetries) (*RetryingImageIndexInserter, *[]time.Duration) {
	cfg := RetryingImageIndexInserterConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     25 * time.Millisecond,
	}
	if metrics != nil {
		cfg.Metrics = metrics
	}

	r := NewRetryingImageIndexInserter(inner, cfg)

	var slept []time.Duration

	r.sleepFn = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)

		return nil
	}

	return r, &slept
}

func TestRetryingImageIndexInserter_SuccessAfterRetries(t *testing.T) {
	inner := &flakyInserter{failUntil: 3}
	metrics := &countingRetries{}
	r, slept := newRetrying(inner, 5, metrics)

	res, err := r.Insert(context.Background(), ImageIndexArgs{Path: "a.jpg", Model: "clip"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Job.ID)
	assert.Equal(t, 3, inner.callCount)
	assert.Equal(t, 2, metrics.retries)

	require.Len(t, *slept, 2)
	// Jitter keeps each sleep within [backoff/2, backoff).
	assert.GreaterOrEqual(t, (*slept)[0], 5*time.Millisecond)
	assert.Less(t, (*slept)[0], 10*time.Millisecond)
	assert.GreaterOrEqual(t, (*slept)[1], 10*time.Millisecond)
	assert.Less(t, (*slept)[1], 20*time.Millisecond)
}

func TestRetryingImageIndexInserter_Exhausted(t *testing.T) {
	inner := &flakyInserter{failUntil: 99}
	r, _ := newRetrying(inner, 2, &countingRetries{})

	_, err := r.Insert(context.Background(), ImageIndexArgs{}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, inner.callCount)
}

func TestRetryingImageIndexInserter_ZeroRetries(t *testing.T) {
	inner := &flakyInserter{failUntil: 2}
	r, slept := newRetrying(inner, 0, nil)

	_, err := r.Insert(context.Background(), ImageIndexArgs{}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.callCount)
	assert.Empty(t, *slept)
}

func TestRetryingImageIndexInserter_CanceledContextStops(t *testing.T) {
	inner := &flakyInserter{failUntil: 99}
	r, _ := newRetrying(inner, 5, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Insert(ctx, ImageIndexArgs{}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, inner.callCount)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
