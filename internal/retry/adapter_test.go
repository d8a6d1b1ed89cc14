package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	mu    sync.Mutex
	c     chan time.Time
	slept []time.Duration
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

func (r *recordingTimer) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.slept {
		sum += d
	}
	return sum
}

var errFlaky = errors.New("rate limited")

func TestCall_SucceedsOnThirdAttempt(t *testing.T) {
	timer := newRecordingTimer()
	base := 500 * time.Millisecond
	a := New(3, base, Always, WithTimer(func() backoff.Timer { return timer }))

	calls := 0
	got, err := Call(context.Background(), a, "completion", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "ok", nil
	}, "fallback")

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.InDelta(t, float64(base*(1+2)), float64(timer.total()), float64(time.Millisecond))
	require.Len(t, timer.slept, 2)
	assert.InDelta(t, float64(base), float64(timer.slept[0]), float64(time.Millisecond))
	assert.InDelta(t, float64(2*base), float64(timer.slept[1]), float64(time.Millisecond))
}

func TestCall_ExhaustedReturnsFallback(t *testing.T) {
	timer := newRecordingTimer()
	a := New(3, 10*time.Millisecond, Always, WithTimer(func() backoff.Timer { return timer }))

	calls := 0
	got, err := Call(context.Background(), a, "embedding", func(context.Context) ([]float32, error) {
		calls++
		return nil, errFlaky
	}, []float32{0})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []float32{0}, got)
	assert.Len(t, timer.slept, 2)
}

func TestCall_PermanentErrorNotRetried(t *testing.T) {
	timer := newRecordingTimer()
	errBadRequest := errors.New("malformed request")
	classify := func(err error) bool { return !errors.Is(err, errBadRequest) }
	a := New(3, time.Second, classify, WithTimer(func() backoff.Timer { return timer }))

	calls := 0
	got, err := Call(context.Background(), a, "search", func(context.Context) (int, error) {
		calls++
		return 0, errBadRequest
	}, -1)

	require.Error(t, err)
	assert.ErrorIs(t, err, errBadRequest)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
	assert.Equal(t, -1, got)
	assert.Empty(t, timer.slept)
}

func TestCall_ContextCancelledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := newRecordingTimer()
	a := New(5, time.Second, Always, WithTimer(func() backoff.Timer { return timer }))

	calls := 0
	_, err := Call(ctx, a, "completion", func(context.Context) (string, error) {
		calls++
		cancel()
		return "", errFlaky
	}, "sorry")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNew_NormalizesBounds(t *testing.T) {
	a := New(0, -time.Second, nil)
	assert.Equal(t, 1, a.MaxAttempts())

	calls := 0
	_, err := Call(context.Background(), a, "op", func(context.Context) (bool, error) {
		calls++
		return false, errFlaky
	}, false)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestCall_AttemptTimeoutBoundsEachAttempt(t *testing.T) {
	timer := newRecordingTimer()
	a := New(2, time.Millisecond, Always,
		WithTimer(func() backoff.Timer { return timer }),
		WithAttemptTimeout(20*time.Millisecond),
	)

	calls := 0
	got, err := Call(context.Background(), a, "completion", func(ctx context.Context) (string, error) {
		calls++
		<-ctx.Done()
		return "", ctx.Err()
	}, "sorry")

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "sorry", got)
}
