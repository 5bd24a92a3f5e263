package lift

import (
	"maps"
	"strconv"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/partition"
)

// Strategy names a built-in partitioner. Built-in strategies are resolved
// to partitioners owned by the client, so round-robin state is shared by
// all messages published through one client.
type Strategy string

const (
	StrategyKey        Strategy = "key"
	StrategyRoundRobin Strategy = "roundrobin"
)

// Message is an outbound message.
type Message struct {
	Subject       string
	Key           []byte
	Value         []byte
	Headers       map[string][]byte
	CorrelationID string
	AckInbox      string
	AckPolicy     api.AckPolicy

	partition   *uint32
	strategy    Strategy
	partitioner partition.Partitioner
}

// MessageOption configures a Message.
type MessageOption func(*Message)

// WithKey sets the message key used by the key partitioner.
func WithKey(key []byte) MessageOption {
	return func(m *Message) { m.Key = key }
}

// WithHeader adds a header.
func WithHeader(name string, value []byte) MessageOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string][]byte)
		}
		m.Headers[name] = value
	}
}

// WithCorrelationID replaces the generated correlation id.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithAckInbox sets the subject acks are sent to.
func WithAckInbox(inbox string) MessageOption {
	return func(m *Message) { m.AckInbox = inbox }
}

// WithAckPolicy sets which replicas must acknowledge the message.
func WithAckPolicy(p api.AckPolicy) MessageOption {
	return func(m *Message) { m.AckPolicy = p }
}

// WithPartition publishes to an explicit partition, bypassing any
// partitioner.
func WithPartition(p uint32) MessageOption {
	return func(m *Message) { m.partition = &p }
}

// WithPartitionStrategy selects a built-in partitioner.
func WithPartitionStrategy(s Strategy) MessageOption {
	return func(m *Message) { m.strategy = s }
}

// WithPartitioner sets a custom partitioner. It takes precedence over
// WithPartitionStrategy.
func WithPartitioner(p partition.Partitioner) MessageOption {
	return func(m *Message) { m.partitioner = p }
}

// NewMessage creates a message for subject. Defaults: a random correlation
// id and no acknowledgement.
func NewMessage(subject string, value []byte, opts ...MessageOption) *Message {
	m := &Message{
		Subject:       subject,
		Value:         value,
		CorrelationID: gonanoid.Must(),
		AckPolicy:     api.AckPolicyNone,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Partition returns the explicit partition, if any.
func (m *Message) Partition() (uint32, bool) {
	if m.partition == nil {
		return 0, false
	}
	return *m.partition, true
}

// partitionSubject is the subject a message for partition p is sent on:
// the bare subject for partition 0, subject.p otherwise.
func partitionSubject(subject string, p uint32) string {
	if p == 0 {
		return subject
	}
	return subject + "." + strconv.FormatUint(uint64(p), 10)
}

func (m *Message) toAPI(subject string) *api.Message {
	return &api.Message{
		Key:           m.Key,
		Value:         m.Value,
		Subject:       subject,
		Headers:       maps.Clone(m.Headers),
		AckInbox:      m.AckInbox,
		CorrelationID: m.CorrelationID,
		AckPolicy:     m.AckPolicy,
	}
}
