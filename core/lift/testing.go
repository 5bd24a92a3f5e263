package lift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/lift-go/core/retry"
)

// CreateMemoryBroker returns a MemoryBroker closed at the end of the test.
func CreateMemoryBroker(t *testing.T, opts MemoryBrokerOptions) *MemoryBroker {
	b := NewMemoryBroker(opts)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})
	return b
}

// FastRetry is a retry policy with millisecond waits for tests.
func FastRetry(attempts uint) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1.5}
}

// CreateTestClient returns a client connected to b. Unset retry policies
// are replaced with fast ones.
func CreateTestClient(t *testing.T, b *MemoryBroker, opts ClientOptions) *Client {
	if len(opts.Addresses) == 0 {
		opts.Addresses = b.Addresses()
	}
	if opts.Dial == nil {
		opts.Dial = b.Dialer()
	}
	if opts.MetadataRetry.IsZero() {
		opts.MetadataRetry = FastRetry(5)
	}
	if opts.WaitForSubject.IsZero() {
		opts.WaitForSubject = FastRetry(5)
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}

	c, err := NewClient(opts)
	require.NoError(t, err)
	require.NoError(t, c.Connect(t.Context()))
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})
	return c
}
