package lift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/conn"
	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/core/metadata"
	"github.com/codewandler/lift-go/core/partition"
	"github.com/codewandler/lift-go/core/retry"
)

// Client creates streams, publishes and subscribes against a broker cluster.
// It is safe for concurrent use.
type Client struct {
	id      string
	log     *slog.Logger
	metrics ClientMetrics

	dial             conn.Dialer[api.Conn]
	connectTimeout   time.Duration
	ackWait          time.Duration
	subjectPublisher SubjectPublisher

	manager    *conn.Manager[api.Conn]
	cache      *metadata.Cache
	byKey      *partition.Key
	roundRobin *partition.RoundRobin

	mu     sync.Mutex
	conn   api.Conn
	addr   string
	pool   map[string]api.Conn
	subs   map[*Subscription]struct{}
	closed bool
}

// NewClient validates opts and returns an unconnected client. It performs no
// I/O; call Connect before use.
func NewClient(opts ClientOptions) (*Client, error) {
	if len(opts.Addresses) == 0 {
		return nil, errs.ErrNoAddresses
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("lift: ClientOptions.Dial is required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopClientMetrics()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = conn.DefaultTimeout
	}
	wait := opts.WaitForSubject
	if wait.IsZero() {
		wait = DefaultWaitForSubject()
	}
	if opts.DisableSubjectWait {
		wait = retry.Policy{}
	}

	c := &Client{
		id:               gonanoid.Must(8),
		log:              opts.Log.With(slog.String("component", "client")),
		metrics:          opts.Metrics,
		dial:             opts.Dial,
		connectTimeout:   opts.ConnectTimeout,
		ackWait:          opts.AckWaitTime,
		subjectPublisher: opts.SubjectPublisher,
		byKey:            partition.NewKey(opts.KeyHash),
		roundRobin:       partition.NewRoundRobin(opts.RoundRobinCounters),
		pool:             make(map[string]api.Conn),
		subs:             make(map[*Subscription]struct{}),
	}

	manager, err := conn.NewManager(opts.Addresses, opts.Dial, conn.Options{
		Timeout: opts.ConnectTimeout,
		Retry:   opts.ConnectRetry,
		Log:     opts.Log,
	})
	if err != nil {
		return nil, err
	}
	c.manager = manager

	cache, err := metadata.NewCache(metadata.CacheOptions{
		Fetcher:        metadata.FetcherFunc(c.fetchMetadata),
		Log:            opts.Log,
		Retry:          opts.MetadataRetry,
		WaitForSubject: wait,
		Metrics:        opts.MetadataMetrics,
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache

	return c, nil
}

// Connect opens a channel to one of the configured brokers and loads the
// cluster metadata.
func (c *Client) Connect(ctx context.Context) error {
	defer c.metrics.RequestDuration("connect").ObserveDuration()

	ch, addr, err := c.manager.Connect(ctx)
	c.metrics.RequestCompleted("connect", err == nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		return errs.ErrNotConnected
	}
	if prev := c.conn; prev != nil {
		_ = prev.Close()
	}
	c.conn, c.addr = ch, addr
	c.mu.Unlock()

	c.log.Info("connected", slog.String("addr", addr))

	if _, err := c.cache.Update(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Client) current() (api.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil, errs.ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) fetchMetadata(ctx context.Context, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
	ch, err := c.current()
	if err != nil {
		return nil, err
	}
	return ch.FetchMetadata(ctx, req)
}

// connFor returns a channel to addr, reusing the main channel or a pooled
// one when possible.
func (c *Client) connFor(ctx context.Context, addr string) (api.Conn, error) {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, errs.ErrNotConnected
	}
	if addr == c.addr {
		ch := c.conn
		c.mu.Unlock()
		return ch, nil
	}
	if ch, ok := c.pool[addr]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	ch, err := c.dial(dialCtx, addr)
	if err != nil {
		return nil, errs.ErrCouldNotConnect.With("addresses", []string{addr}).Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = ch.Close()
		return nil, errs.ErrNotConnected
	}
	if existing, ok := c.pool[addr]; ok {
		_ = ch.Close()
		return existing, nil
	}
	c.pool[addr] = ch
	c.log.Debug("opened broker channel", slog.String("addr", addr))
	return ch, nil
}

// Metadata returns the current metadata snapshot.
func (c *Client) Metadata() *metadata.Metadata { return c.cache.Get() }

// FetchMetadata refreshes metadata for the given streams, or all streams
// when none are given.
func (c *Client) FetchMetadata(ctx context.Context, streams ...string) (*metadata.Metadata, error) {
	return c.cache.Update(ctx, streams...)
}

// CreateStream creates a stream and refreshes its metadata so that an
// immediately following publish sees all of its partitions.
func (c *Client) CreateStream(ctx context.Context, desc StreamDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	ch, err := c.current()
	if err != nil {
		return err
	}

	defer c.metrics.RequestDuration("create_stream").ObserveDuration()
	_, err = ch.CreateStream(ctx, desc.createRequest())
	c.metrics.RequestCompleted("create_stream", err == nil)
	if err != nil {
		switch {
		case status.Code(err) == codes.AlreadyExists:
			return errs.ErrPartitionAlreadyExists.With("stream", desc.Name).Wrap(err)
		case api.IsDeadlineExceeded(err):
			return errs.ErrDeadlineExceeded.With("stream", desc.Name).Wrap(err)
		}
		return err
	}

	c.log.Debug("stream created",
		slog.String("stream", desc.Name),
		slog.String("subject", desc.Subject),
		slog.Int("partitions", int(desc.Partitions)))

	_, err = c.cache.Update(ctx, desc.Name)
	return err
}

func (c *Client) partitionerFor(m *Message) partition.Partitioner {
	if m.partitioner != nil {
		return m.partitioner
	}
	switch m.strategy {
	case StrategyKey:
		return c.byKey
	case StrategyRoundRobin:
		return c.roundRobin
	default:
		return nil
	}
}

func (c *Client) resolvePartition(ctx context.Context, m *Message) (uint32, error) {
	if p, ok := m.Partition(); ok {
		return p, nil
	}
	p := c.partitionerFor(m)
	if p == nil {
		return 0, nil
	}
	// makes sure the subject is known, waiting for it if necessary
	if _, err := c.cache.PartitionsCountForSubject(ctx, m.Subject); err != nil {
		return 0, err
	}
	return p.Partition(m.Subject, m.Key, c.cache.Get())
}

// Publish sends m to the partition chosen by its explicit partition or
// partitioner. Unless the ack policy is NONE, it waits for the ack until
// ctx or the configured ack wait time expires.
func (c *Client) Publish(ctx context.Context, m *Message) (*api.Ack, error) {
	ch, err := c.current()
	if err != nil {
		return nil, err
	}
	p, err := c.resolvePartition(ctx, m)
	if err != nil {
		return nil, err
	}
	subject := partitionSubject(m.Subject, p)

	if _, ok := ctx.Deadline(); !ok && m.AckPolicy != api.AckPolicyNone && c.ackWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ackWait)
		defer cancel()
	}

	defer c.metrics.RequestDuration("publish").ObserveDuration()
	resp, err := ch.Publish(ctx, &api.PublishRequest{Message: m.toAPI(subject)})
	c.metrics.RequestCompleted("publish", err == nil)
	if err != nil {
		if api.IsDeadlineExceeded(err) {
			return nil, errs.ErrDeadlineExceeded.With("subject", subject).Wrap(err)
		}
		return nil, err
	}
	return resp.Ack, nil
}

// PublishToSubject publishes m directly on subject through the configured
// SubjectPublisher, bypassing partition resolution.
func (c *Client) PublishToSubject(ctx context.Context, subject string, m *Message) (*api.Ack, error) {
	if c.subjectPublisher == nil {
		return nil, fmt.Errorf("lift: ClientOptions.SubjectPublisher is not configured")
	}
	if _, ok := ctx.Deadline(); !ok && m.AckPolicy != api.AckPolicyNone && c.ackWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ackWait)
		defer cancel()
	}

	defer c.metrics.RequestDuration("publish_to_subject").ObserveDuration()
	ack, err := c.subjectPublisher.PublishToSubject(ctx, subject, m.toAPI(subject))
	c.metrics.RequestCompleted("publish_to_subject", err == nil)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, errs.ErrDeadlineExceeded.With("subject", subject).Wrap(err)
	}
	return ack, err
}

type subscribeOptions struct {
	partition uint32
	readISR   bool
}

// SubscribeOption configures a single Subscribe call.
type SubscribeOption func(*subscribeOptions)

// SubscribeToPartition reads the given partition instead of partition 0.
func SubscribeToPartition(p uint32) SubscribeOption {
	return func(o *subscribeOptions) { o.partition = p }
}

// ReadISRReplica reads from an in-sync replica instead of the leader.
func ReadISRReplica() SubscribeOption {
	return func(o *subscribeOptions) { o.readISR = true }
}

// Subscribe opens a feed on a partition of desc's stream starting at desc's
// start position. The feed lives until ctx is cancelled, Close is called or
// the broker ends it.
func (c *Client) Subscribe(ctx context.Context, desc StreamDescriptor, opts ...SubscribeOption) (*Subscription, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	defer c.metrics.RequestDuration("subscribe").ObserveDuration()

	addr, err := c.subscribeAddress(ctx, desc.Name, o)
	if err != nil {
		c.metrics.RequestCompleted("subscribe", false)
		return nil, err
	}
	ch, err := c.connFor(ctx, addr)
	if err != nil {
		c.metrics.RequestCompleted("subscribe", false)
		return nil, err
	}

	subCtx, cancel := context.WithCancelCause(ctx)
	feed, err := ch.Subscribe(subCtx, desc.subscribeRequest(o.partition, o.readISR))
	c.metrics.RequestCompleted("subscribe", err == nil)
	if err != nil {
		cancel(err)
		if status.Code(err) == codes.NotFound {
			return nil, errs.ErrNoSuchPartition.With("stream", desc.Name).With("partition", o.partition).Wrap(err)
		}
		return nil, err
	}

	c.log.Debug("subscribed",
		slog.String("stream", desc.Name),
		slog.Uint64("partition", uint64(o.partition)),
		slog.String("addr", addr),
		slog.String("start", desc.StartPosition.String()))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cancel(errs.ErrNotConnected)
		return nil, errs.ErrNotConnected
	}
	sub := newSubscription(subCtx, cancel, feed, desc.Name, o.partition, c.log, c.metrics, c.forget)
	c.subs[sub] = struct{}{}
	return sub, nil
}

func (c *Client) forget(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

// subscribeAddress resolves the broker to read from, refreshing the
// stream's metadata once if it is not known yet.
func (c *Client) subscribeAddress(ctx context.Context, stream string, o subscribeOptions) (string, error) {
	lookup := func(md *metadata.Metadata) (string, error) {
		if o.readISR {
			return md.ReplicaAddress(stream, o.partition, c.id)
		}
		return md.Address(stream, o.partition)
	}

	addr, err := lookup(c.cache.Get())
	if err == nil {
		return addr, nil
	}

	md, uerr := c.cache.Update(ctx, stream)
	if uerr != nil {
		return "", uerr
	}
	return lookup(md)
}

// Close ends open subscriptions, whose Err then reports
// errs.ErrNotConnected, and releases all broker channels.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := slices.Collect(maps.Keys(c.subs))
	clear(c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel(errs.ErrNotConnected)
		<-s.done
	}

	c.mu.Lock()
	conns := make([]api.Conn, 0, len(c.pool)+1)
	if c.conn != nil {
		conns = append(conns, c.conn)
	}
	conns = append(conns, slices.Collect(maps.Values(c.pool))...)
	c.conn = nil
	clear(c.pool)
	c.mu.Unlock()

	var errList []error
	for _, ch := range conns {
		if err := ch.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	c.log.Debug("closed")
	return errors.Join(errList...)
}
