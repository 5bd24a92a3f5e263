package lift

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/errs"
)

var errSubscriptionClosed = errors.New("subscription closed")

// Subscription is a live feed of messages from one partition. The feed is
// not re-established when it ends; the channel returned by Messages is
// closed and Err reports why.
type Subscription struct {
	stream    string
	partition uint32
	log       *slog.Logger
	metrics   ClientMetrics

	msgs   chan *api.Message
	done   chan struct{}
	cancel context.CancelCauseFunc
	onDone func(*Subscription)

	mu  sync.Mutex
	err error
}

func newSubscription(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	feed api.MessageStream,
	stream string,
	partition uint32,
	log *slog.Logger,
	m ClientMetrics,
	onDone func(*Subscription),
) *Subscription {
	s := &Subscription{
		stream:    stream,
		partition: partition,
		log:       log.With(slog.String("stream", stream), slog.Uint64("partition", uint64(partition))),
		metrics:   m,
		msgs:      make(chan *api.Message),
		done:      make(chan struct{}),
		cancel:    cancel,
		onDone:    onDone,
	}
	m.SubscriptionOpened()
	go s.run(ctx, feed)
	return s
}

func (s *Subscription) run(ctx context.Context, feed api.MessageStream) {
	defer func() {
		s.cancel(nil)
		close(s.msgs)
		close(s.done)
		s.metrics.SubscriptionClosed()
		if s.onDone != nil {
			s.onDone(s)
		}
	}()

	for {
		msg, err := feed.Recv()
		if err != nil {
			s.finish(ctx, err)
			return
		}
		select {
		case s.msgs <- msg:
		case <-ctx.Done():
			s.finish(ctx, ctx.Err())
			return
		}
	}
}

func (s *Subscription) finish(ctx context.Context, err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug("feed ended")
		return
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled):
		s.log.Debug("feed cancelled")
		if cause := context.Cause(ctx); !errors.Is(cause, errSubscriptionClosed) {
			s.setErr(cause)
		}
		return
	case status.Code(err) == codes.NotFound:
		err = errs.ErrNoSuchPartition.With("stream", s.stream).With("partition", s.partition).Wrap(err)
	}
	s.log.Warn("feed failed", slog.Any("error", err))
	s.setErr(err)
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Messages delivers messages in offset order. It is closed when the feed
// terminates.
func (s *Subscription) Messages() <-chan *api.Message { return s.msgs }

// Done is closed once the feed has terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the error that terminated the feed. It is nil while the feed
// is running, after Close and when the broker ended the feed normally.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stream returns the subscribed stream name.
func (s *Subscription) Stream() string { return s.stream }

// Partition returns the subscribed partition.
func (s *Subscription) Partition() uint32 { return s.partition }

// Close stops delivery and releases the feed. It waits for the feed to
// terminate.
func (s *Subscription) Close() error {
	s.cancel(errSubscriptionClosed)
	<-s.done
	return nil
}
