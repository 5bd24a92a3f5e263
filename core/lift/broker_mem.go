package lift

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/conn"
)

// MemoryBrokerOptions configures a MemoryBroker.
type MemoryBrokerOptions struct {
	// Brokers is the simulated cluster. Defaults to a single broker on
	// 127.0.0.1:9292.
	Brokers []api.Broker
	// MetadataLag hides a new stream from the next MetadataLag metadata
	// fetches, like a broker that has not caught up yet.
	MetadataLag int
	Log         *slog.Logger
	Now         func() time.Time
}

// MemoryBroker is an in-process implementation of api.API. Partition
// leadership is assigned round-robin over the configured brokers and every
// partition keeps its full log in memory.
type MemoryBroker struct {
	log *slog.Logger
	now func() time.Time
	lag int

	mu      sync.Mutex
	brokers []api.Broker
	streams map[string]*memStream
	fetches int
	notify  chan struct{}
	closed  bool
}

type memStream struct {
	name      string
	subject   string
	group     string
	visibleAt int
	parts     []*memPartition
}

type memPartition struct {
	id       int32
	leader   string
	replicas []string
	log      []*api.Message
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker(opts MemoryBrokerOptions) *MemoryBroker {
	if len(opts.Brokers) == 0 {
		opts.Brokers = []api.Broker{{ID: "mem-0", Host: "127.0.0.1", Port: 9292}}
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryBroker{
		log:     opts.Log.With(slog.String("broker", "mem")),
		now:     opts.Now,
		lag:     opts.MetadataLag,
		brokers: slices.Clone(opts.Brokers),
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
	}
}

// Addresses returns host:port of every simulated broker.
func (b *MemoryBroker) Addresses() []string {
	out := make([]string, len(b.brokers))
	for i, br := range b.brokers {
		out[i] = br.Host + ":" + strconv.Itoa(int(br.Port))
	}
	return out
}

// broadcast wakes all blocked feeds. Caller holds b.mu.
func (b *MemoryBroker) broadcast() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *MemoryBroker) CreateStream(_ context.Context, req *api.CreateStreamRequest) (*api.CreateStreamResponse, error) {
	if req.Name == "" || req.Subject == "" {
		return nil, status.Error(codes.InvalidArgument, "stream name and subject are required")
	}
	if req.Partitions < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid partition count %d", req.Partitions)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, status.Error(codes.Unavailable, "broker closed")
	}
	if _, ok := b.streams[req.Name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "stream %q already exists", req.Name)
	}

	rf := int(req.ReplicationFactor)
	switch {
	case rf == -1:
		rf = len(b.brokers)
	case rf == 0:
		rf = 1
	case rf < -1 || rf > len(b.brokers):
		return nil, status.Errorf(codes.InvalidArgument, "invalid replication factor %d for %d brokers", rf, len(b.brokers))
	}

	n := max(int(req.Partitions), 1)
	s := &memStream{
		name:      req.Name,
		subject:   req.Subject,
		group:     req.Group,
		visibleAt: b.fetches + b.lag,
		parts:     make([]*memPartition, n),
	}
	for i := range n {
		p := &memPartition{id: int32(i)}
		for r := range rf {
			p.replicas = append(p.replicas, b.brokers[(i+r)%len(b.brokers)].ID)
		}
		p.leader = p.replicas[0]
		s.parts[i] = p
	}
	b.streams[req.Name] = s

	b.log.Debug("stream created", slog.String("stream", req.Name), slog.String("subject", req.Subject), slog.Int("partitions", n))
	return &api.CreateStreamResponse{}, nil
}

func (b *MemoryBroker) FetchMetadata(_ context.Context, req *api.FetchMetadataRequest) (*api.FetchMetadataResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, status.Error(codes.Unavailable, "broker closed")
	}
	b.fetches++

	resp := &api.FetchMetadataResponse{Brokers: slices.Clone(b.brokers)}
	visible := func(s *memStream) bool { return s != nil && b.fetches > s.visibleAt }

	names := req.Streams
	if len(names) == 0 {
		names = slices.Sorted(maps.Keys(b.streams))
	}
	for _, name := range names {
		s := b.streams[name]
		if !visible(s) {
			if len(req.Streams) > 0 {
				resp.Metadata = append(resp.Metadata, api.StreamMetadata{Name: name, Error: api.StreamMetadataUnknownStream})
			}
			continue
		}
		sm := api.StreamMetadata{
			Name:       s.name,
			Subject:    s.subject,
			Partitions: make(map[int32]api.PartitionMetadata, len(s.parts)),
		}
		for _, p := range s.parts {
			sm.Partitions[p.id] = api.PartitionMetadata{
				ID:       p.id,
				Leader:   p.leader,
				Replicas: slices.Clone(p.replicas),
				ISR:      slices.Clone(p.replicas),
			}
		}
		resp.Metadata = append(resp.Metadata, sm)
	}
	return resp, nil
}

// route finds the streams and partition a publish subject addresses: the
// bare stream subject is partition 0, subject.N is partition N.
func (b *MemoryBroker) route(subject string) ([]*memStream, int) {
	match := func(subj string, p int) []*memStream {
		var out []*memStream
		for _, s := range b.streams {
			if s.subject == subj && p < len(s.parts) {
				out = append(out, s)
			}
		}
		slices.SortFunc(out, func(a, b *memStream) int { return cmp.Compare(a.name, b.name) })
		return out
	}
	if out := match(subject, 0); len(out) > 0 {
		return out, 0
	}
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return nil, 0
	}
	p, err := strconv.Atoi(subject[i+1:])
	if err != nil || p < 0 {
		return nil, 0
	}
	return match(subject[:i], p), p
}

func (b *MemoryBroker) Publish(_ context.Context, req *api.PublishRequest) (*api.PublishResponse, error) {
	if req.Message == nil {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, status.Error(codes.Unavailable, "broker closed")
	}

	streams, p := b.route(req.Message.Subject)
	if len(streams) == 0 {
		return nil, status.Errorf(codes.NotFound, "no stream for subject %q", req.Message.Subject)
	}

	var ack *api.Ack
	for _, s := range streams {
		part := s.parts[p]
		m := *req.Message
		m.Offset = int64(len(part.log))
		m.Timestamp = b.now().UnixNano()
		part.log = append(part.log, &m)
		if ack == nil {
			ack = &api.Ack{
				Stream:           s.name,
				PartitionSubject: req.Message.Subject,
				MsgSubject:       req.Message.Subject,
				Offset:           m.Offset,
				AckInbox:         m.AckInbox,
				CorrelationID:    m.CorrelationID,
				AckPolicy:        m.AckPolicy,
			}
		}
	}
	b.broadcast()

	if req.Message.AckPolicy == api.AckPolicyNone {
		return &api.PublishResponse{}, nil
	}
	return &api.PublishResponse{Ack: ack}, nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, req *api.SubscribeRequest) (api.MessageStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, status.Error(codes.Unavailable, "broker closed")
	}
	s, ok := b.streams[req.Stream]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no such stream %q", req.Stream)
	}
	if req.Partition < 0 || int(req.Partition) >= len(s.parts) {
		return nil, status.Errorf(codes.NotFound, "no partition %d in stream %q", req.Partition, req.Stream)
	}
	part := s.parts[req.Partition]

	var next int64
	switch req.StartPosition {
	case api.StartPositionEarliest:
		next = 0
	case api.StartPositionLatest:
		next = max(int64(len(part.log))-1, 0)
	case api.StartPositionNewOnly:
		next = int64(len(part.log))
	case api.StartPositionOffset:
		next = max(req.StartOffset, 0)
	case api.StartPositionTimestamp:
		i, _ := slices.BinarySearchFunc(part.log, req.StartTimestamp, func(m *api.Message, ts int64) int {
			return cmp.Compare(m.Timestamp, ts)
		})
		next = int64(i)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown start position %d", req.StartPosition)
	}

	return &memFeed{ctx: ctx, broker: b, part: part, next: next}, nil
}

// Close ends all feeds with io.EOF and fails further calls.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcast()
	return nil
}

// Dialer returns a dialer that connects to this broker for any address.
func (b *MemoryBroker) Dialer() conn.Dialer[api.Conn] {
	return func(ctx context.Context, addr string) (api.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, status.Error(codes.Unavailable, "broker closed")
		}
		return memConn{MemoryBroker: b}, nil
	}
}

// memConn is a channel to a MemoryBroker. Closing it leaves the broker
// running.
type memConn struct {
	*MemoryBroker
}

func (memConn) Close() error { return nil }

type memFeed struct {
	ctx    context.Context
	broker *MemoryBroker
	part   *memPartition
	next   int64
}

func (f *memFeed) Recv() (*api.Message, error) {
	for {
		f.broker.mu.Lock()
		if f.next < int64(len(f.part.log)) {
			m := *f.part.log[f.next]
			f.next++
			f.broker.mu.Unlock()
			return &m, nil
		}
		if f.broker.closed {
			f.broker.mu.Unlock()
			return nil, io.EOF
		}
		wait := f.broker.notify
		f.broker.mu.Unlock()

		select {
		case <-f.ctx.Done():
			return nil, status.FromContextError(f.ctx.Err()).Err()
		case <-wait:
		}
	}
}

var (
	_ api.API  = (*MemoryBroker)(nil)
	_ api.Conn = memConn{}
)
