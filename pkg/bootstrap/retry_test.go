package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

func TestRetrierAttemptsByKind(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		attempts int
	}{
		{KindTransient, 5},
		{KindDependencyNotReady, 3},
		{KindAccessDenied, 1},
		{KindValidation, 1},
		{KindConflicting, 1},
		{KindInternal, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			var delays []time.Duration
			r := newRetrier(DefaultRetryPolicy, func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			}, logger.Discard())

			calls := 0
			err := r.do(context.Background(), "iam:CreateRole", func(context.Context) error {
				calls++
				return NewError(tt.kind, "failed")
			})
			require.Error(t, err)
			assert.Equal(t, tt.attempts, calls)
			assert.Len(t, delays, tt.attempts-1)
			assert.Equal(t, tt.kind, KindOf(err))
			for _, d := range delays {
				assert.LessOrEqual(t, d, DefaultRetryPolicy.MaxDelay)
			}
		})
	}
}

func TestRetrierRecovers(t *testing.T) {
	r := newRetrier(RetryPolicy{MaxAttempts: 4}, func(context.Context, time.Duration) error { return nil }, logger.Discard())
	calls := 0
	v, err := retryValue(context.Background(), r, "s3:HeadBucket", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewError(KindTransient, "throttled")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newRetrier(DefaultRetryPolicy, func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}, logger.Discard())

	calls := 0
	err := r.do(ctx, "kms:CreateKey", func(context.Context) error {
		calls++
		return NewError(KindTransient, "unavailable")
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsKind(err, KindCancelled))
	assert.True(t, RetrySafe(err))
}

func TestCheckpoint(t *testing.T) {
	assert.NoError(t, checkpoint(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, IsKind(checkpoint(ctx), KindCancelled))
	assert.NoError(t, atomic(ctx).Err())
}
