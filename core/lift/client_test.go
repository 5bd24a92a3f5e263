package lift

import (
	"context"
	"hash/fnv"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/core/metadata"
	"github.com/codewandler/lift-go/core/partition"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func threeBrokers() MemoryBrokerOptions {
	return MemoryBrokerOptions{Brokers: []api.Broker{
		{ID: "b0", Host: "127.0.0.1", Port: 9290},
		{ID: "b1", Host: "127.0.0.1", Port: 9291},
		{ID: "b2", Host: "127.0.0.1", Port: 9292},
	}}
}

func mustDescriptor(t *testing.T, subject, name string, opts ...StreamOption) StreamDescriptor {
	t.Helper()
	d, err := NewStreamDescriptor(subject, name, opts...)
	require.NoError(t, err)
	return d
}

func TestNewClient_NoAddresses(t *testing.T) {
	_, err := NewClient(ClientOptions{Dial: NewMemoryBroker(MemoryBrokerOptions{}).Dialer()})
	require.ErrorIs(t, err, errs.ErrNoAddresses)
}

func TestClient_NotConnected(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c, err := NewClient(ClientOptions{Addresses: b.Addresses(), Dial: b.Dialer()})
	require.NoError(t, err)

	_, err = c.Publish(t.Context(), NewMessage("x", nil))
	require.ErrorIs(t, err, errs.ErrNotConnected)
	require.ErrorIs(t, c.CreateStream(t.Context(), mustDescriptor(t, "x", "x")), errs.ErrNotConnected)
}

func TestClient_CreateStreamPublishByKey(t *testing.T) {
	b := CreateMemoryBroker(t, threeBrokers())
	c := CreateTestClient(t, b, ClientOptions{})

	desc := mustDescriptor(t, "sub1", "s1", WithPartitions(3))
	require.NoError(t, c.CreateStream(t.Context(), desc))

	// metadata was refreshed by CreateStream
	n, err := c.Metadata().PartitionCountForSubject("sub1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	ack, err := c.Publish(t.Context(), NewMessage("sub1", []byte("hello"),
		WithKey([]byte("k")),
		WithPartitionStrategy(StrategyKey),
		WithAckPolicy(api.AckPolicyLeader),
	))
	require.NoError(t, err)
	require.NotNil(t, ack)

	h := fnv.New32a()
	h.Write([]byte("k"))
	want := h.Sum32() % 3

	wantSubject := partitionSubject("sub1", want)
	require.Equal(t, "s1", ack.Stream)
	require.Equal(t, wantSubject, ack.MsgSubject)
	require.Equal(t, int64(0), ack.Offset)

	// the same key lands on the same partition
	ack2, err := c.Publish(t.Context(), NewMessage("sub1", []byte("again"),
		WithKey([]byte("k")),
		WithPartitionStrategy(StrategyKey),
		WithAckPolicy(api.AckPolicyLeader),
	))
	require.NoError(t, err)
	require.Equal(t, wantSubject, ack2.MsgSubject)
	require.Equal(t, int64(1), ack2.Offset)
}

func TestClient_CreateStreamAlreadyExists(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})

	desc := mustDescriptor(t, "sub1", "s1")
	require.NoError(t, c.CreateStream(t.Context(), desc))
	err := c.CreateStream(t.Context(), desc)
	require.ErrorIs(t, err, errs.ErrPartitionAlreadyExists)
	require.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestClient_CreateStreamValidatesFirst(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})

	err := c.CreateStream(t.Context(), StreamDescriptor{Subject: "s", Name: "s", Partitions: -2})
	require.ErrorIs(t, err, errs.ErrInvalidPartitions)
}

type deadlineAPI struct {
	api.Conn
}

func (deadlineAPI) CreateStream(context.Context, *api.CreateStreamRequest) (*api.CreateStreamResponse, error) {
	return nil, status.Error(codes.DeadlineExceeded, "too slow")
}

func (deadlineAPI) Publish(ctx context.Context, _ *api.PublishRequest) (*api.PublishResponse, error) {
	<-ctx.Done()
	return nil, status.FromContextError(ctx.Err()).Err()
}

func TestClient_DeadlineExceeded(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{
		AckWaitTime: 20 * time.Millisecond,
		Dial: func(ctx context.Context, addr string) (api.Conn, error) {
			ch, err := b.Dialer()(ctx, addr)
			return deadlineAPI{Conn: ch}, err
		},
	})

	err := c.CreateStream(t.Context(), mustDescriptor(t, "sub1", "s1"))
	require.ErrorIs(t, err, errs.ErrDeadlineExceeded)

	_, err = c.Publish(t.Context(), NewMessage("sub1", nil, WithPartition(0), WithAckPolicy(api.AckPolicyAll)))
	require.ErrorIs(t, err, errs.ErrDeadlineExceeded)
}

func TestClient_PublishRoundRobin(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})
	require.NoError(t, c.CreateStream(t.Context(), mustDescriptor(t, "rr", "rr", WithPartitions(5))))

	var subjects []string
	for range 7 {
		ack, err := c.Publish(t.Context(), NewMessage("rr", nil,
			WithPartitionStrategy(StrategyRoundRobin),
			WithAckPolicy(api.AckPolicyLeader)))
		require.NoError(t, err)
		subjects = append(subjects, ack.MsgSubject)
	}
	require.Equal(t, []string{"rr", "rr.1", "rr.2", "rr.3", "rr.4", "rr", "rr.1"}, subjects)
}

func TestClient_PublishExplicitAndCustom(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})
	require.NoError(t, c.CreateStream(t.Context(), mustDescriptor(t, "sub", "s", WithPartitions(4))))

	ack, err := c.Publish(t.Context(), NewMessage("sub", nil, WithPartition(2), WithAckPolicy(api.AckPolicyLeader)))
	require.NoError(t, err)
	require.Equal(t, "sub.2", ack.MsgSubject)

	last := partition.Func(func(subject string, _ []byte, md *metadata.Metadata) (uint32, error) {
		n, err := md.PartitionCountForSubject(subject)
		return uint32(n - 1), err
	})
	ack, err = c.Publish(t.Context(), NewMessage("sub", nil, WithPartitioner(last), WithAckPolicy(api.AckPolicyLeader)))
	require.NoError(t, err)
	require.Equal(t, "sub.3", ack.MsgSubject)

	// no strategy, no explicit partition
	ack, err = c.Publish(t.Context(), NewMessage("sub", nil, WithAckPolicy(api.AckPolicyLeader)))
	require.NoError(t, err)
	require.Equal(t, "sub", ack.MsgSubject)

	// ack policy none returns no ack
	ack, err = c.Publish(t.Context(), NewMessage("sub", nil))
	require.NoError(t, err)
	require.Nil(t, ack)
}

func TestClient_PublishWaitsForLaggingMetadata(t *testing.T) {
	opts := threeBrokers()
	opts.MetadataLag = 2
	b := CreateMemoryBroker(t, opts)
	c := CreateTestClient(t, b, ClientOptions{})

	require.NoError(t, c.CreateStream(t.Context(), mustDescriptor(t, "lag", "lag", WithPartitions(2))))
	require.False(t, c.Metadata().HasSubject("lag"), "broker still serves stale metadata")

	ack, err := c.Publish(t.Context(), NewMessage("lag", nil,
		WithPartitionStrategy(StrategyRoundRobin),
		WithAckPolicy(api.AckPolicyLeader)))
	require.NoError(t, err)
	require.Equal(t, "lag", ack.MsgSubject)
	require.True(t, c.Metadata().HasSubject("lag"))
}

func TestClient_PublishUnknownSubject(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{DisableSubjectWait: true})

	_, err := c.Publish(t.Context(), NewMessage("nope", nil, WithPartitionStrategy(StrategyKey)))
	require.ErrorIs(t, err, errs.ErrSubjectNotFound)
}

func TestClient_Subscribe(t *testing.T) {
	b := CreateMemoryBroker(t, threeBrokers())
	c := CreateTestClient(t, b, ClientOptions{})
	desc := mustDescriptor(t, "sub1", "s1", WithPartitions(2))
	require.NoError(t, c.CreateStream(t.Context(), desc))

	for i := range 3 {
		_, err := c.Publish(t.Context(), NewMessage("sub1", []byte{byte(i)}, WithPartition(1)))
		require.NoError(t, err)
	}

	sub, err := c.Subscribe(t.Context(), desc, SubscribeToPartition(1))
	require.NoError(t, err)
	defer sub.Close()

	for i := range 3 {
		select {
		case m := <-sub.Messages():
			require.Equal(t, int64(i), m.Offset)
			require.Equal(t, []byte{byte(i)}, m.Value)
			require.Equal(t, "sub1.1", m.Subject)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	// live delivery
	_, err = c.Publish(t.Context(), NewMessage("sub1", []byte("live"), WithPartition(1)))
	require.NoError(t, err)
	select {
	case m := <-sub.Messages():
		require.Equal(t, []byte("live"), m.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live message")
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	require.False(t, open)
	require.NoError(t, sub.Err())
}

func TestClient_SubscribeStartPositions(t *testing.T) {
	now := time.Unix(1700000000, 0)
	opts := MemoryBrokerOptions{Now: func() time.Time { now = now.Add(time.Second); return now }}
	b := CreateMemoryBroker(t, opts)
	c := CreateTestClient(t, b, ClientOptions{})
	require.NoError(t, c.CreateStream(t.Context(), mustDescriptor(t, "p", "p")))
	for i := range 5 {
		_, err := c.Publish(t.Context(), NewMessage("p", []byte{byte(i)}))
		require.NoError(t, err)
	}

	first := func(opt StreamOption) int64 {
		sub, err := c.Subscribe(t.Context(), mustDescriptor(t, "p", "p", opt))
		require.NoError(t, err)
		defer sub.Close()
		select {
		case m := <-sub.Messages():
			return m.Offset
		case <-time.After(time.Second):
			t.Fatal("timed out")
			return -1
		}
	}

	require.Equal(t, int64(0), first(StartAtEarliest()))
	require.Equal(t, int64(4), first(StartAtLatest()))
	require.Equal(t, int64(2), first(StartAtOffset(2)))
	// message i was stamped at base+(i+1)s
	require.Equal(t, int64(3), first(StartAtTime(time.Unix(1700000004, 0))))
}

func TestClient_SubscribeUnknownPartition(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})
	desc := mustDescriptor(t, "sub1", "s1")
	require.NoError(t, c.CreateStream(t.Context(), desc))

	_, err := c.Subscribe(t.Context(), mustDescriptor(t, "other", "missing"))
	require.ErrorIs(t, err, errs.ErrNoSuchPartition)

	_, err = c.Subscribe(t.Context(), desc, SubscribeToPartition(5))
	require.ErrorIs(t, err, errs.ErrNoKnownPartition)
}

func TestClient_SubscribeISRReplica(t *testing.T) {
	b := CreateMemoryBroker(t, threeBrokers())
	c := CreateTestClient(t, b, ClientOptions{})
	desc := mustDescriptor(t, "isr", "isr", WithMaxReplication())
	require.NoError(t, c.CreateStream(t.Context(), desc))
	_, err := c.Publish(t.Context(), NewMessage("isr", []byte("x")))
	require.NoError(t, err)

	sub, err := c.Subscribe(t.Context(), desc, ReadISRReplica())
	require.NoError(t, err)
	defer sub.Close()
	select {
	case m := <-sub.Messages():
		require.Equal(t, []byte("x"), m.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestClient_SubscriptionEndsWhenBrokerCloses(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})
	desc := mustDescriptor(t, "end", "end")
	require.NoError(t, c.CreateStream(t.Context(), desc))

	sub, err := c.Subscribe(t.Context(), desc)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
	require.NoError(t, sub.Err())
}

func TestClient_SubscriptionCancelledByContext(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})
	desc := mustDescriptor(t, "ctx", "ctx")
	require.NoError(t, c.CreateStream(t.Context(), desc))

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := c.Subscribe(ctx, desc)
	require.NoError(t, err)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
	require.ErrorIs(t, sub.Err(), context.Canceled)
}

func TestClient_CloseEndsSubscriptions(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c, err := NewClient(ClientOptions{Addresses: b.Addresses(), Dial: b.Dialer()})
	require.NoError(t, err)
	require.NoError(t, c.Connect(t.Context()))

	desc := mustDescriptor(t, "closing", "closing")
	require.NoError(t, c.CreateStream(t.Context(), desc))
	sub, err := c.Subscribe(t.Context(), desc)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription outlived the client")
	}
	require.ErrorIs(t, sub.Err(), errs.ErrNotConnected)
	_, open := <-sub.Messages()
	require.False(t, open)

	_, err = c.Subscribe(t.Context(), desc)
	require.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestClient_PublishToSubjectRequiresPublisher(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c := CreateTestClient(t, b, ClientOptions{})
	_, err := c.PublishToSubject(t.Context(), "raw", NewMessage("raw", nil))
	require.Error(t, err)
}

type recordingPublisher struct {
	subject string
	msg     *api.Message
}

func (p *recordingPublisher) PublishToSubject(_ context.Context, subject string, msg *api.Message) (*api.Ack, error) {
	p.subject, p.msg = subject, msg
	return &api.Ack{MsgSubject: subject, CorrelationID: msg.CorrelationID}, nil
}

func TestClient_PublishToSubject(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	pub := &recordingPublisher{}
	c := CreateTestClient(t, b, ClientOptions{SubjectPublisher: pub})

	m := NewMessage("ignored", []byte("v"), WithAckPolicy(api.AckPolicyLeader))
	ack, err := c.PublishToSubject(t.Context(), "raw.subject", m)
	require.NoError(t, err)
	require.Equal(t, "raw.subject", pub.subject)
	require.Equal(t, "raw.subject", pub.msg.Subject)
	require.Equal(t, m.CorrelationID, ack.CorrelationID)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	c, err := NewClient(ClientOptions{Addresses: b.Addresses(), Dial: b.Dialer()})
	require.NoError(t, err)
	require.NoError(t, c.Connect(t.Context()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.FetchMetadata(t.Context())
	require.ErrorIs(t, err, errs.ErrMetadataFetch)
	require.ErrorIs(t, err, errs.ErrNotConnected)
}
