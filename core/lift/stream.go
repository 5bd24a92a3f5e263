package lift

import (
	"time"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
)

// MaxReplication asks the broker to replicate a stream on every cluster
// member.
const MaxReplication int32 = -1

// StreamDescriptor describes a stream to create or subscribe to. Build it
// with NewStreamDescriptor so invalid combinations are rejected up front.
type StreamDescriptor struct {
	Subject           string
	Name              string
	Group             string
	ReplicationFactor int32
	// Partitions is the partition count. 0 is treated as 1 by the broker.
	Partitions    int32
	StartPosition api.StartPosition
	// StartOffset is required with api.StartPositionOffset.
	StartOffset *int64
	// StartTime is required with api.StartPositionTimestamp.
	StartTime *time.Time
}

// StreamOption configures a StreamDescriptor.
type StreamOption func(*StreamDescriptor)

// WithGroup sets the load-balance group of the stream.
func WithGroup(group string) StreamOption {
	return func(d *StreamDescriptor) { d.Group = group }
}

// WithReplicationFactor sets how many brokers replicate each partition.
func WithReplicationFactor(n int32) StreamOption {
	return func(d *StreamDescriptor) { d.ReplicationFactor = n }
}

// WithMaxReplication replicates the stream on all brokers.
func WithMaxReplication() StreamOption {
	return WithReplicationFactor(MaxReplication)
}

// WithPartitions sets the partition count. 0 behaves as 1.
func WithPartitions(n int32) StreamOption {
	return func(d *StreamDescriptor) { d.Partitions = n }
}

// WithStartPosition sets the start position without an offset or time. Use
// StartAtOffset or StartAtTime for positions that need one.
func WithStartPosition(p api.StartPosition) StreamOption {
	return func(d *StreamDescriptor) { d.StartPosition = p }
}

// StartAtEarliest starts subscriptions at the oldest message.
func StartAtEarliest() StreamOption { return WithStartPosition(api.StartPositionEarliest) }

// StartAtLatest starts subscriptions at the newest message.
func StartAtLatest() StreamOption { return WithStartPosition(api.StartPositionLatest) }

// StartAtNewOnly starts subscriptions after the newest message.
func StartAtNewOnly() StreamOption { return WithStartPosition(api.StartPositionNewOnly) }

// StartAtOffset starts subscriptions at offset.
func StartAtOffset(offset int64) StreamOption {
	return func(d *StreamDescriptor) {
		d.StartPosition = api.StartPositionOffset
		d.StartOffset = &offset
	}
}

// StartAtTime starts subscriptions at the first message at or after t.
func StartAtTime(t time.Time) StreamOption {
	return func(d *StreamDescriptor) {
		d.StartPosition = api.StartPositionTimestamp
		d.StartTime = &t
	}
}

// NewStreamDescriptor builds and validates a descriptor. Defaults: start at
// the earliest message, replication factor 1.
func NewStreamDescriptor(subject, name string, opts ...StreamOption) (StreamDescriptor, error) {
	d := StreamDescriptor{
		Subject:           subject,
		Name:              name,
		ReplicationFactor: 1,
		StartPosition:     api.StartPositionEarliest,
	}
	for _, opt := range opts {
		opt(&d)
	}
	if err := d.Validate(); err != nil {
		return StreamDescriptor{}, err
	}
	return d, nil
}

// Validate checks the descriptor without contacting the broker.
func (d StreamDescriptor) Validate() error {
	if d.Partitions < 0 {
		return errs.ErrInvalidPartitions.With("stream", d.Name).With("partitions", d.Partitions)
	}
	switch d.StartPosition {
	case api.StartPositionOffset:
		if d.StartOffset == nil {
			return errs.ErrOffsetNotSpecified.With("stream", d.Name)
		}
	case api.StartPositionTimestamp:
		if d.StartTime == nil {
			return errs.ErrTimestampNotSpecified.With("stream", d.Name)
		}
	}
	return nil
}

func (d StreamDescriptor) createRequest() *api.CreateStreamRequest {
	return &api.CreateStreamRequest{
		Subject:           d.Subject,
		Name:              d.Name,
		Group:             d.Group,
		ReplicationFactor: d.ReplicationFactor,
		Partitions:        d.Partitions,
	}
}

func (d StreamDescriptor) subscribeRequest(partition uint32, readISR bool) *api.SubscribeRequest {
	req := &api.SubscribeRequest{
		Stream:         d.Name,
		Partition:      int32(partition),
		StartPosition:  d.StartPosition,
		ReadISRReplica: readISR,
	}
	if d.StartOffset != nil {
		req.StartOffset = *d.StartOffset
	}
	if d.StartTime != nil {
		req.StartTimestamp = d.StartTime.UnixNano()
	}
	return req
}
