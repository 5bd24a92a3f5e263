// Package api holds the broker request/response records and the contract a
// broker channel fulfils.
//
// The records are plain data; encoding is the business of the adapter that
// carries them (see adapters/grpc and core/envelope). Enum values match the
// broker's wire values.
package api

import (
	"context"
	"fmt"
)

// StartPosition controls where a subscription begins.
type StartPosition int32

const (
	StartPositionNewOnly   StartPosition = 0
	StartPositionOffset    StartPosition = 1
	StartPositionEarliest  StartPosition = 2
	StartPositionLatest    StartPosition = 3
	StartPositionTimestamp StartPosition = 4
)

func (p StartPosition) String() string {
	switch p {
	case StartPositionNewOnly:
		return "NEW_ONLY"
	case StartPositionOffset:
		return "OFFSET"
	case StartPositionEarliest:
		return "EARLIEST"
	case StartPositionLatest:
		return "LATEST"
	case StartPositionTimestamp:
		return "TIMESTAMP"
	default:
		return fmt.Sprintf("StartPosition(%d)", int32(p))
	}
}

// AckPolicy controls which replicas must acknowledge a publish.
type AckPolicy int32

const (
	AckPolicyLeader AckPolicy = 0
	AckPolicyAll    AckPolicy = 1
	AckPolicyNone   AckPolicy = 2
)

func (p AckPolicy) String() string {
	switch p {
	case AckPolicyLeader:
		return "LEADER"
	case AckPolicyAll:
		return "ALL"
	case AckPolicyNone:
		return "NONE"
	default:
		return fmt.Sprintf("AckPolicy(%d)", int32(p))
	}
}

// StreamMetadataError is the per-stream status in a metadata response.
type StreamMetadataError int32

const (
	StreamMetadataOK            StreamMetadataError = 0
	StreamMetadataUnknownStream StreamMetadataError = 1
)

type (
	CreateStreamRequest struct {
		Subject           string `json:"subject"`
		Name              string `json:"name"`
		Group             string `json:"group,omitempty"`
		ReplicationFactor int32  `json:"replication_factor"`
		Partitions        int32  `json:"partitions,omitempty"`
	}

	CreateStreamResponse struct{}

	SubscribeRequest struct {
		Stream         string        `json:"stream"`
		Partition      int32         `json:"partition,omitempty"`
		StartPosition  StartPosition `json:"start_position"`
		StartOffset    int64         `json:"start_offset,omitempty"`
		StartTimestamp int64         `json:"start_timestamp,omitempty"` // unix nanos
		ReadISRReplica bool          `json:"read_isr_replica,omitempty"`
	}

	FetchMetadataRequest struct {
		Streams []string `json:"streams,omitempty"`
	}

	FetchMetadataResponse struct {
		Brokers  []Broker         `json:"brokers"`
		Metadata []StreamMetadata `json:"metadata"`
	}

	Broker struct {
		ID   string `json:"id"`
		Host string `json:"host"`
		Port int32  `json:"port"`
	}

	StreamMetadata struct {
		Name       string                      `json:"name"`
		Subject    string                      `json:"subject"`
		Error      StreamMetadataError         `json:"error,omitempty"`
		Partitions map[int32]PartitionMetadata `json:"partitions"`
	}

	PartitionMetadata struct {
		ID       int32    `json:"id"`
		Leader   string   `json:"leader,omitempty"`
		Replicas []string `json:"replicas,omitempty"`
		ISR      []string `json:"isr,omitempty"`
	}

	// Message is a record as published to and delivered by the broker.
	Message struct {
		Offset        int64             `json:"offset"`
		Key           []byte            `json:"key,omitempty"`
		Value         []byte            `json:"value,omitempty"`
		Timestamp     int64             `json:"timestamp"` // unix nanos
		Subject       string            `json:"subject"`
		Reply         string            `json:"reply,omitempty"`
		Headers       map[string][]byte `json:"headers,omitempty"`
		AckInbox      string            `json:"ack_inbox,omitempty"`
		CorrelationID string            `json:"correlation_id,omitempty"`
		AckPolicy     AckPolicy         `json:"ack_policy"` // zero value is LEADER
	}

	Ack struct {
		Stream           string    `json:"stream"`
		PartitionSubject string    `json:"partition_subject"`
		MsgSubject       string    `json:"msg_subject"`
		Offset           int64     `json:"offset"`
		AckInbox         string    `json:"ack_inbox,omitempty"`
		CorrelationID    string    `json:"correlation_id,omitempty"`
		AckPolicy        AckPolicy `json:"ack_policy"`
	}

	PublishRequest struct {
		Message *Message `json:"message"`
	}

	PublishResponse struct {
		Ack *Ack `json:"ack,omitempty"`
	}
)

// MessageStream is a server-streamed feed of messages. Recv returns io.EOF
// once the broker ends the feed.
type MessageStream interface {
	Recv() (*Message, error)
}

// API is the broker request/response contract. Errors are gRPC status
// errors (see [Retryable]).
type API interface {
	CreateStream(ctx context.Context, req *CreateStreamRequest) (*CreateStreamResponse, error)
	Subscribe(ctx context.Context, req *SubscribeRequest) (MessageStream, error)
	FetchMetadata(ctx context.Context, req *FetchMetadataRequest) (*FetchMetadataResponse, error)
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
}

// Conn is a live channel to one broker.
type Conn interface {
	API
	Close() error
}
