package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/core/retry"
)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	requests [][]string
	fn       func(call int, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error)
}

func (f *fakeFetcher) FetchMetadata(_ context.Context, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req.Streams)
	f.mu.Unlock()
	return f.fn(call, req)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRetry(attempts uint) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestCache(t *testing.T, f Fetcher, wait retry.Policy) *Cache {
	t.Helper()
	c, err := NewCache(CacheOptions{Fetcher: f, Retry: fastRetry(5), WaitForSubject: wait})
	require.NoError(t, err)
	return c
}

func TestNewCache_RequiresFetcher(t *testing.T) {
	_, err := NewCache(CacheOptions{})
	require.Error(t, err)
}

func TestCache_GetStartsEmpty(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{}, retry.Policy{})
	md := c.Get()
	require.NotNil(t, md)
	require.Empty(t, md.Streams())
	require.False(t, c.HasSubjectMetadata("orders.created"))
}

func TestCache_UpdateRetriesTransientErrors(t *testing.T) {
	f := &fakeFetcher{fn: func(call int, _ *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		if call < 3 {
			return nil, status.Error(codes.Unavailable, "broker down")
		}
		return testResponse(), nil
	}}
	c := newTestCache(t, f, retry.Policy{})

	md, err := c.Update(t.Context())
	require.NoError(t, err)
	require.Equal(t, 3, f.Calls())
	require.Same(t, md, c.Get())
	require.True(t, c.HasSubjectMetadata("orders.created"))

	addr, err := c.Address("orders", 1)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:9292", addr)
}

func TestCache_UpdateDoesNotRetryApplicationErrors(t *testing.T) {
	f := &fakeFetcher{fn: func(int, *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		return nil, status.Error(codes.InvalidArgument, "bad request")
	}}
	c := newTestCache(t, f, retry.Policy{})

	_, err := c.Update(t.Context())
	require.ErrorIs(t, err, errs.ErrMetadataFetch)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, 1, f.Calls())
}

func TestCache_UpdateExhaustsRetries(t *testing.T) {
	f := &fakeFetcher{fn: func(int, *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		return nil, status.Error(codes.Unavailable, "broker down")
	}}
	c := newTestCache(t, f, retry.Policy{})

	_, err := c.Update(t.Context())
	require.ErrorIs(t, err, errs.ErrMetadataFetch)
	require.Equal(t, 5, f.Calls())
	require.Empty(t, c.Get().Streams(), "failed update keeps the previous snapshot")
}

func TestCache_ScopedUpdateMerges(t *testing.T) {
	f := &fakeFetcher{fn: func(call int, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		if len(req.Streams) == 0 {
			return testResponse(), nil
		}
		return &api.FetchMetadataResponse{
			Brokers: testResponse().Brokers,
			Metadata: []api.StreamMetadata{{
				Name:       "events",
				Subject:    "events",
				Partitions: map[int32]api.PartitionMetadata{0: {Leader: "b3"}},
			}},
		}, nil
	}}
	c := newTestCache(t, f, retry.Policy{})

	_, err := c.Update(t.Context())
	require.NoError(t, err)
	md, err := c.Update(t.Context(), "events")
	require.NoError(t, err)

	require.True(t, md.HasSubject("orders.created"))
	require.True(t, md.HasSubject("events"))
	require.Equal(t, []string{"events"}, f.requests[1])
}

func TestCache_PartitionsCountForSubject_NoWait(t *testing.T) {
	f := &fakeFetcher{fn: func(int, *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		return testResponse(), nil
	}}
	c := newTestCache(t, f, retry.Policy{})

	_, err := c.PartitionsCountForSubject(t.Context(), "orders.created")
	require.ErrorIs(t, err, errs.ErrSubjectNotFound)
	require.Equal(t, 0, f.Calls())

	_, err = c.Update(t.Context())
	require.NoError(t, err)
	n, err := c.PartitionsCountForSubject(t.Context(), "orders.created")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCache_PartitionsCountForSubject_WaitsForSubject(t *testing.T) {
	// the subject becomes visible on the third fetch, like a replica
	// catching up with a freshly created stream
	f := &fakeFetcher{fn: func(call int, _ *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		if call < 3 {
			return &api.FetchMetadataResponse{Brokers: testResponse().Brokers}, nil
		}
		return testResponse(), nil
	}}
	c := newTestCache(t, f, fastRetry(3))

	n, err := c.PartitionsCountForSubject(t.Context(), "orders.created")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, f.Calls())
}

func TestCache_PartitionsCountForSubject_GivesUp(t *testing.T) {
	f := &fakeFetcher{fn: func(int, *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		return &api.FetchMetadataResponse{}, nil
	}}
	c := newTestCache(t, f, fastRetry(3))

	_, err := c.PartitionsCountForSubject(t.Context(), "nope")
	require.ErrorIs(t, err, errs.ErrSubjectNotFound)
	require.Equal(t, 3, f.Calls())
}

func TestCache_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	var gen atomic.Int32
	f := &fakeFetcher{fn: func(int, *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		resp := testResponse()
		if gen.Add(1)%2 == 0 {
			resp.Metadata = resp.Metadata[:0]
		}
		return resp, nil
	}}
	c := newTestCache(t, f, retry.Policy{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				md := c.Get()
				byName, okName := md.Stream("orders")
				bySubject, okSubject := md.StreamBySubject("orders.created")
				assert.Equal(t, okName, okSubject)
				if okName {
					assert.Same(t, byName, bySubject)
				}
			}
		}()
	}

	for range 50 {
		_, err := c.Update(t.Context())
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()
}

func TestCache_SharedUpdateIgnoresOtherCallersDeadline(t *testing.T) {
	f := &fakeFetcher{fn: func(int, *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		time.Sleep(100 * time.Millisecond)
		return testResponse(), nil
	}}
	c := newTestCache(t, f, retry.Policy{})

	shortErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := c.Update(ctx)
		shortErr <- err
	}()

	time.Sleep(5 * time.Millisecond)
	md, err := c.Update(context.Background())
	require.NoError(t, err)
	_, ok := md.Stream("orders")
	require.True(t, ok)

	err = <-shortErr
	require.ErrorIs(t, err, errs.ErrMetadataFetch)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.Calls())
}

func TestCache_CancelledCallerLeavesRefreshRunning(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{fn: func(int, *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
		<-release
		return testResponse(), nil
	}}
	c := newTestCache(t, f, retry.Policy{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.Update(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		_, ok := c.Get().Stream("orders")
		return ok
	}, time.Second, 5*time.Millisecond)
}
