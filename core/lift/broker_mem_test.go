package lift

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/api"
)

func TestMemoryBroker_CreateStream(t *testing.T) {
	b := CreateMemoryBroker(t, threeBrokers())
	ctx := t.Context()

	_, err := b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "s", Name: "n", Partitions: 4, ReplicationFactor: 2})
	require.NoError(t, err)

	_, err = b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "s", Name: "n"})
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "s", Name: "x", ReplicationFactor: 4})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "s", Name: "y", Partitions: -1})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err := b.FetchMetadata(ctx, &api.FetchMetadataRequest{Streams: []string{"n", "unknown"}})
	require.NoError(t, err)
	require.Len(t, resp.Brokers, 3)
	require.Len(t, resp.Metadata, 2)

	n := resp.Metadata[0]
	require.Len(t, n.Partitions, 4)
	require.Equal(t, "b0", n.Partitions[0].Leader)
	require.Equal(t, []string{"b1", "b2"}, n.Partitions[1].Replicas)
	require.Equal(t, "b0", n.Partitions[3].Leader)

	require.Equal(t, api.StreamMetadataUnknownStream, resp.Metadata[1].Error)
}

func TestMemoryBroker_ZeroPartitionsIsOne(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	_, err := b.CreateStream(t.Context(), &api.CreateStreamRequest{Subject: "s", Name: "n"})
	require.NoError(t, err)
	resp, err := b.FetchMetadata(t.Context(), &api.FetchMetadataRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Metadata[0].Partitions, 1)
}

func TestMemoryBroker_MetadataLag(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{MetadataLag: 1})
	_, err := b.CreateStream(t.Context(), &api.CreateStreamRequest{Subject: "s", Name: "n"})
	require.NoError(t, err)

	resp, err := b.FetchMetadata(t.Context(), &api.FetchMetadataRequest{})
	require.NoError(t, err)
	require.Empty(t, resp.Metadata)

	resp, err = b.FetchMetadata(t.Context(), &api.FetchMetadataRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Metadata, 1)
}

func TestMemoryBroker_PublishRouting(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	ctx := t.Context()
	_, err := b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "a.b", Name: "ab", Partitions: 3})
	require.NoError(t, err)
	_, err = b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "a.b", Name: "ab2"})
	require.NoError(t, err)

	resp, err := b.Publish(ctx, &api.PublishRequest{Message: &api.Message{Subject: "a.b.2", AckPolicy: api.AckPolicyLeader}})
	require.NoError(t, err)
	require.Equal(t, "ab", resp.Ack.Stream)
	require.Equal(t, "a.b.2", resp.Ack.PartitionSubject)

	// partition 0 reaches every stream on the subject
	resp, err = b.Publish(ctx, &api.PublishRequest{Message: &api.Message{Subject: "a.b", AckPolicy: api.AckPolicyAll}})
	require.NoError(t, err)
	require.Equal(t, "ab", resp.Ack.Stream)

	feed, err := b.Subscribe(ctx, &api.SubscribeRequest{Stream: "ab2", StartPosition: api.StartPositionEarliest})
	require.NoError(t, err)
	m, err := feed.Recv()
	require.NoError(t, err)
	require.Equal(t, "a.b", m.Subject)

	_, err = b.Publish(ctx, &api.PublishRequest{Message: &api.Message{Subject: "a.b.7"}})
	require.Equal(t, codes.NotFound, status.Code(err))
	_, err = b.Publish(ctx, &api.PublishRequest{Message: &api.Message{Subject: "nope"}})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestMemoryBroker_SubscribeErrors(t *testing.T) {
	b := CreateMemoryBroker(t, MemoryBrokerOptions{})
	ctx := t.Context()
	_, err := b.Subscribe(ctx, &api.SubscribeRequest{Stream: "none"})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "s", Name: "n"})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, &api.SubscribeRequest{Stream: "n", Partition: 1})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestMemoryBroker_NewOnlyAndClose(t *testing.T) {
	b := NewMemoryBroker(MemoryBrokerOptions{})
	ctx := t.Context()
	_, err := b.CreateStream(ctx, &api.CreateStreamRequest{Subject: "s", Name: "n"})
	require.NoError(t, err)
	_, err = b.Publish(ctx, &api.PublishRequest{Message: &api.Message{Subject: "s", Value: []byte("old")}})
	require.NoError(t, err)

	feed, err := b.Subscribe(ctx, &api.SubscribeRequest{Stream: "n", StartPosition: api.StartPositionNewOnly})
	require.NoError(t, err)

	got := make(chan *api.Message, 1)
	go func() {
		m, err := feed.Recv()
		if err == nil {
			got <- m
		}
	}()
	_, err = b.Publish(ctx, &api.PublishRequest{Message: &api.Message{Subject: "s", Value: []byte("new")}})
	require.NoError(t, err)

	select {
	case m := <-got:
		require.Equal(t, []byte("new"), m.Value)
		require.Equal(t, int64(1), m.Offset)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	require.NoError(t, b.Close())
	_, err = feed.Recv()
	require.ErrorIs(t, err, io.EOF)

	_, err = b.FetchMetadata(ctx, &api.FetchMetadataRequest{})
	require.Equal(t, codes.Unavailable, status.Code(err))
}
