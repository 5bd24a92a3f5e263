// Package conn establishes a channel to one of several candidate brokers.
//
// [Manager.Connect] shuffles the candidates, dials all of them at once and
// keeps the first channel that comes up. A dead broker therefore costs one
// attempt timeout in the worst case instead of adding up across the list.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/codewandler/lift-go/core/errs"
	"github.com/codewandler/lift-go/core/retry"
)

// DefaultTimeout bounds a single address attempt when Options.Timeout is
// unset.
const DefaultTimeout = 5 * time.Second

// Dialer opens a channel of type C to addr.
type Dialer[C any] func(ctx context.Context, addr string) (C, error)

// Options configures a Manager.
type Options struct {
	// Timeout bounds each per-address attempt, retries included.
	Timeout time.Duration
	// Retry governs redials of a single address. Its Deadline is replaced by
	// Timeout.
	Retry retry.Policy
	Log   *slog.Logger
	// Rand shuffles the candidates. Defaults to the global source. The
	// Manager serializes its use, so it must not be shared elsewhere.
	Rand *rand.Rand
}

// Manager races dial attempts over a fixed address list.
type Manager[C any] struct {
	addrs []string
	dial  Dialer[C]
	opts  Options
	log   *slog.Logger

	randMu sync.Mutex
}

// NewManager validates the candidate list without dialing.
func NewManager[C any](addresses []string, dial Dialer[C], opts Options) (*Manager[C], error) {
	if len(addresses) == 0 {
		return nil, errs.ErrNoAddresses
	}
	if dial == nil {
		return nil, fmt.Errorf("conn: dialer is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry.IsZero() {
		opts.Retry = retry.Policy{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 1.5, Jitter: 0.2}
	}
	opts.Retry.Deadline = opts.Timeout
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Manager[C]{
		addrs: slices.Clone(addresses),
		dial:  dial,
		opts:  opts,
		log:   opts.Log.With(slog.String("component", "conn")),
	}, nil
}

// Addresses returns the candidate list in configuration order.
func (m *Manager[C]) Addresses() []string { return slices.Clone(m.addrs) }

type result[C any] struct {
	addr string
	conn C
	err  error
}

// Connect returns the first channel to come up and the address it targets.
// If no address can be reached it returns errs.ErrCouldNotConnect wrapping
// every attempt's error.
func (m *Manager[C]) Connect(ctx context.Context) (C, string, error) {
	addrs := m.shuffled()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result[C], len(addrs))
	for _, addr := range addrs {
		go func() {
			c, err := retry.Do(ctx, m.opts.Retry, func(ctx context.Context) (C, error) {
				return m.dial(ctx, addr)
			}, retry.OnRetry(func(attempt uint, err error, next time.Duration) {
				m.log.Debug("dial failed, retrying",
					slog.String("addr", addr),
					slog.Uint64("attempt", uint64(attempt)),
					slog.Any("error", err))
			}))
			results <- result[C]{addr: addr, conn: c, err: err}
		}()
	}

	var (
		failures []error
		zero     C
	)
	for range addrs {
		r := <-results
		if r.err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", r.addr, r.err))
			continue
		}
		cancel()
		m.log.Debug("connected", slog.String("addr", r.addr))
		go m.drain(results, len(addrs)-len(failures)-1)
		return r.conn, r.addr, nil
	}

	m.log.Warn("could not connect", slog.Any("addrs", addrs))
	return zero, "", errs.ErrCouldNotConnect.With("addresses", addrs).Wrap(errors.Join(failures...))
}

// drain closes channels from attempts that succeeded after a winner was
// picked.
func (m *Manager[C]) drain(results <-chan result[C], pending int) {
	for range pending {
		r := <-results
		if r.err != nil {
			continue
		}
		if c, ok := any(r.conn).(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func (m *Manager[C]) shuffled() []string {
	out := slices.Clone(m.addrs)
	intN := rand.IntN
	if m.opts.Rand != nil {
		m.randMu.Lock()
		defer m.randMu.Unlock()
		intN = m.opts.Rand.IntN
	}
	// Durstenfeld
	for i := len(out) - 1; i > 0; i-- {
		j := intN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
