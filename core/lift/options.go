package lift

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/conn"
	"github.com/codewandler/lift-go/core/metadata"
	"github.com/codewandler/lift-go/core/partition"
	"github.com/codewandler/lift-go/core/retry"
)

const (
	EnvAddresses      = "LIFT_ADDRESSES"
	EnvConnectTimeout = "LIFT_CONNECT_TIMEOUT"
	EnvAckWait        = "LIFT_ACK_WAIT"
)

// DefaultWaitForSubject is how long a publish waits for a freshly created
// stream to show up in metadata served by a lagging broker.
func DefaultWaitForSubject() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  1.5,
		Jitter:      0.1,
	}
}

// SubjectPublisher publishes directly on the pub/sub transport.
type SubjectPublisher interface {
	PublishToSubject(ctx context.Context, subject string, msg *api.Message) (*api.Ack, error)
}

// ClientOptions configures a Client. Addresses and Dial are required.
type ClientOptions struct {
	// Addresses are the candidate brokers, host:port.
	Addresses []string
	// Dial opens a channel to a broker.
	Dial conn.Dialer[api.Conn]
	// ConnectTimeout bounds each per-address connect attempt.
	ConnectTimeout time.Duration
	ConnectRetry   retry.Policy
	// MetadataRetry governs metadata refreshes. Zero uses retry.Default().
	MetadataRetry retry.Policy
	// WaitForSubject governs waits for unknown subjects on publish. Zero
	// uses DefaultWaitForSubject().
	WaitForSubject     retry.Policy
	DisableSubjectWait bool
	// AckWaitTime bounds publishes that expect an ack when ctx carries no
	// deadline. 0 waits as long as ctx allows.
	AckWaitTime time.Duration
	// SubjectPublisher backs PublishToSubject.
	SubjectPublisher SubjectPublisher
	// RoundRobinCounters is shared round-robin state. Nil gives the client
	// its own.
	RoundRobinCounters *partition.Counters
	// KeyHash replaces the key partitioner hash. Nil uses FNV-1a.
	KeyHash         partition.HashFunc
	Log             *slog.Logger
	Metrics         ClientMetrics
	MetadataMetrics metadata.Metrics
}

// OptionsFromEnv overlays settings from the environment onto base.
func OptionsFromEnv(base ClientOptions) (ClientOptions, error) {
	opts := base
	if v, ok := os.LookupEnv(EnvAddresses); ok && strings.TrimSpace(v) != "" {
		opts.Addresses = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				opts.Addresses = append(opts.Addresses, a)
			}
		}
	}
	if v, ok := os.LookupEnv(EnvConnectTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return base, fmt.Errorf("lift: invalid %s: %w", EnvConnectTimeout, err)
		}
		opts.ConnectTimeout = d
	}
	if v, ok := os.LookupEnv(EnvAckWait); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return base, fmt.Errorf("lift: invalid %s: %w", EnvAckWait, err)
		}
		opts.AckWaitTime = d
	}
	return opts, nil
}
