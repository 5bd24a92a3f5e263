package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/core/retry"
	"github.com/codewandler/lift-go/core/sf"
)

// defaultUpdateTimeout bounds a refresh whose retry policy has no Deadline.
const defaultUpdateTimeout = 30 * time.Second

// Fetcher issues FetchMetadata requests. Any api.API satisfies it.
type Fetcher interface {
	FetchMetadata(ctx context.Context, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error)

// FetchMetadata calls f.
func (f FetcherFunc) FetchMetadata(ctx context.Context, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
	return f(ctx, req)
}

// CacheOptions configures a Cache. Fetcher is required.
type CacheOptions struct {
	Fetcher Fetcher
	Log     *slog.Logger
	// Retry governs a single Update. Zero uses retry.Default(). Its
	// Deadline, 30s when unset, bounds a refresh shared by several callers.
	Retry retry.Policy
	// WaitForSubject governs PartitionsCountForSubject when the subject is
	// unknown. Zero disables waiting.
	WaitForSubject retry.Policy
	Metrics        Metrics
	// Now is the clock stamped on snapshots. Defaults to time.Now.
	Now func() time.Time
}

// Cache holds the current metadata snapshot and refreshes it on demand.
type Cache struct {
	fetcher Fetcher
	log     *slog.Logger
	retry   retry.Policy
	wait    retry.Policy
	metrics Metrics
	now     func() time.Time

	current atomic.Pointer[Metadata]
	flight  sf.Group[*Metadata]
}

// NewCache returns a cache holding the empty snapshot. It performs no I/O.
func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("metadata: CacheOptions.Fetcher is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Retry.IsZero() {
		opts.Retry = retry.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		fetcher: opts.Fetcher,
		log:     opts.Log.With(slog.String("component", "metadata")),
		retry:   opts.Retry,
		wait:    opts.WaitForSubject,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	c.current.Store(Empty())
	return c, nil
}

// Get returns the current snapshot. It never performs I/O.
func (c *Cache) Get() *Metadata { return c.current.Load() }

// Update fetches metadata for the given streams (all streams when none are
// given) and publishes a new snapshot. A scoped update keeps the streams it
// did not ask for from the previous snapshot.
//
// Concurrent calls for the same set of streams share one fetch. The fetch
// is detached from the callers' contexts and bounded by the retry policy;
// each caller stops waiting when its own ctx ends.
func (c *Cache) Update(ctx context.Context, streams ...string) (*Metadata, error) {
	names := slices.Clone(streams)
	slices.Sort(names)
	names = slices.Compact(names)

	flight := context.WithoutCancel(ctx)
	res := c.flight.DoChan(strings.Join(names, "\x00"), func() (*Metadata, error) {
		return c.update(flight, names)
	})
	select {
	case r := <-res:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, errs.ErrMetadataFetch.With("streams", names).Wrap(ctx.Err())
	}
}

func (c *Cache) update(ctx context.Context, names []string) (*Metadata, error) {
	defer c.metrics.UpdateDuration().ObserveDuration()

	if c.retry.Deadline <= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultUpdateTimeout)
		defer cancel()
	}

	resp, err := retry.Do(ctx, c.retry, func(ctx context.Context) (*api.FetchMetadataResponse, error) {
		resp, err := c.fetcher.FetchMetadata(ctx, &api.FetchMetadataRequest{Streams: names})
		if err != nil && !api.Retryable(err) {
			return nil, retry.Permanent(err)
		}
		return resp, err
	}, retry.OnRetry(func(attempt uint, err error, next time.Duration) {
		c.log.Warn("metadata fetch failed, retrying",
			slog.Uint64("attempt", uint64(attempt)),
			slog.Duration("backoff", next),
			slog.Any("error", err))
	}))
	c.metrics.UpdateCompleted(err == nil)
	if err != nil {
		return nil, errs.ErrMetadataFetch.With("streams", names).Wrap(err)
	}

	next := Build(resp, c.now())
	for {
		prev := c.current.Load()
		md := next
		if len(names) > 0 {
			md = prev.merge(next, names)
		}
		if c.current.CompareAndSwap(prev, md) {
			c.metrics.Snapshot(len(md.streamsByName), len(md.brokers))
			c.log.Debug("metadata updated",
				slog.Any("requested", names),
				slog.Int("streams", len(md.streamsByName)),
				slog.Int("brokers", len(md.brokers)))
			return md, nil
		}
	}
}

// HasSubjectMetadata reports whether the current snapshot knows subject.
func (c *Cache) HasSubjectMetadata(subject string) bool {
	return c.Get().HasSubject(subject)
}

var errSubjectPending = errors.New("subject not yet in metadata")

// PartitionsCountForSubject returns the partition count of the stream on
// subject. If the subject is unknown and a wait policy is configured, it
// refreshes metadata until the subject shows up or the policy is exhausted.
func (c *Cache) PartitionsCountForSubject(ctx context.Context, subject string) (int, error) {
	if n, err := c.Get().PartitionCountForSubject(subject); err == nil {
		return n, nil
	}
	if c.wait.IsZero() {
		return 0, errs.ErrSubjectNotFound.With("subject", subject)
	}

	n, err := retry.Do(ctx, c.wait, func(ctx context.Context) (int, error) {
		md, err := c.Update(ctx)
		if err != nil {
			return 0, err
		}
		if n, err := md.PartitionCountForSubject(subject); err == nil {
			return n, nil
		}
		return 0, errSubjectPending
	}, retry.OnRetry(func(attempt uint, err error, next time.Duration) {
		c.log.Debug("waiting for subject metadata",
			slog.String("subject", subject),
			slog.Uint64("attempt", uint64(attempt)),
			slog.Any("error", err))
	}))
	c.metrics.SubjectWait(err == nil)
	if err != nil {
		e := errs.ErrSubjectNotFound.With("subject", subject)
		if !errors.Is(err, errSubjectPending) || ctx.Err() != nil {
			e = e.Wrap(err)
		}
		return 0, e
	}
	return n, nil
}

// Address returns the leader address of a partition in the current snapshot.
func (c *Cache) Address(stream string, partition uint32) (string, error) {
	return c.Get().Address(stream, partition)
}
