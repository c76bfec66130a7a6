package authmethod

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ErrorTypeAuth, ClassifyError(0, "invalid_grant"))
	assert.Equal(t, ErrorTypeAuth, ClassifyError(401, ""))
	assert.Equal(t, ErrorTypeAuth, ClassifyError(403, ""))
	assert.Equal(t, ErrorTypeTransient, ClassifyError(429, ""))
	assert.Equal(t, ErrorTypeTransient, ClassifyError(503, ""))
	assert.Equal(t, ErrorTypeUnknown, ClassifyError(418, ""))
}

func TestRetryPolicyRunStopsOnSuccess(t *testing.T) {
	attempts := 0
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := p.Run(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		attempts++
		if attempt < 2 {
			return true, errors.New("not yet")
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyRunStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	wantErr := errors.New("fatal")
	err := p.Run(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		attempts++
		return false, wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicyRunExhaustsAttempts(t *testing.T) {
	attempts := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	err := p.Run(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		attempts++
		return true, errors.New("still failing")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyRunRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}
	err := p.Run(ctx, func(ctx context.Context, attempt int) (bool, error) {
		return true, errors.New("retryable")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusObserverDeliversToAllSubscribers(t *testing.T) {
	o := NewStatusObserver()
	var mu sync.Mutex
	var received []Status

	dispose1 := o.Subscribe(func(ev StatusEvent) {
		mu.Lock()
		received = append(received, ev.Status)
		mu.Unlock()
	})
	dispose2 := o.Subscribe(func(ev StatusEvent) {
		mu.Lock()
		received = append(received, ev.Status)
		mu.Unlock()
	})
	defer dispose1()
	defer dispose2()

	o.Emit(StatusEvent{Status: StatusValid})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 2)
}

func TestStatusObserverDisposeStopsDelivery(t *testing.T) {
	o := NewStatusObserver()
	count := 0
	dispose := o.Subscribe(func(ev StatusEvent) { count++ })
	dispose()
	o.Emit(StatusEvent{Status: StatusValid})
	assert.Equal(t, 0, count)
}

func TestStatusObserverReentrantSubscribeDuringEmit(t *testing.T) {
	o := NewStatusObserver()
	var secondCalled bool
	o.Subscribe(func(ev StatusEvent) {
		o.Subscribe(func(ev StatusEvent) { secondCalled = true })
	})
	// The handler registered during this emission must not fire for the
	// same event (snapshot taken before delivery), only for the next one.
	o.Emit(StatusEvent{Status: StatusValid})
	assert.False(t, secondCalled)
	o.Emit(StatusEvent{Status: StatusValid})
	assert.True(t, secondCalled)
}
