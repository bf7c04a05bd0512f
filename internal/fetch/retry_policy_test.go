package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBackoffLinearAndCapped(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	require.Equal(t, time.Second, p.Backoff(0))
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 3*time.Second, p.Backoff(3))
	require.Equal(t, 3*time.Second, p.Backoff(9))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3}
	transient := &Failure{Class: ClassTransient}
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(&Failure{Class: ClassPermanent}, 1))
	require.False(t, p.ShouldRetry(&Failure{Class: ClassUnknown}, 1))
	require.False(t, p.ShouldRetry(nil, 1))
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]Class{
		403: ClassTransient,
		404: ClassTransient,
		429: ClassTransient,
		500: ClassTransient,
		503: ClassTransient,
		400: ClassPermanent,
		401: ClassPermanent,
		410: ClassPermanent,
		301: ClassPermanent,
	}
	for code, want := range cases {
		require.Equal(t, want, classifyStatus(code), "status %d", code)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	require.Equal(t, ClassTransient, classifyError(fmt.Errorf("get: %w", timeoutErr{})))
	require.Equal(t, ClassTransient, classifyError(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	require.Equal(t, ClassTransient, classifyError(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	require.Equal(t, ClassTransient, classifyError(io.ErrUnexpectedEOF))
	require.Equal(t, ClassUnknown, classifyError(context.Canceled))
	require.Equal(t, ClassUnknown, classifyError(nil))
	require.Equal(t, ClassPermanent, classifyError(errors.New("x509: certificate signed by unknown authority")))
}

func TestPauseHonorsContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, pause(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pause(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	o := Options{}.withDefaults()
	require.Equal(t, DefaultOptions(), o)

	custom := Options{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second, Timeout: time.Second, Mode: ModeFeed}
	require.Equal(t, custom, custom.withDefaults())
}
