package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/lift-go/core/api"
	"github.com/codewandler/lift-go/core/envelope"
	"github.com/codewandler/lift-go/core/lift"
)

// ErrPublisherClosed is returned by calls on a closed Publisher.
var ErrPublisherClosed = errors.New("nats: publisher closed")

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Connect Connector    // Connect opens the NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	// Checksum adds a CRC-32C to every envelope.
	Checksum bool
}

// Publisher publishes enveloped messages on NATS subjects. It implements
// lift.SubjectPublisher.
type Publisher struct {
	nc       *natsgo.Conn
	closeNc  closeFunc
	log      *slog.Logger
	envelope envelope.Options

	mu   sync.Mutex
	subs map[*natsgo.Subscription]struct{}

	closed atomic.Bool
}

// NewPublisher connects to NATS and returns a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Publisher{
		nc:       nc,
		closeNc:  closeNc,
		log:      log.With(slog.String("component", "nats_publisher")),
		envelope: envelope.Options{Checksum: cfg.Checksum},
		subs:     make(map[*natsgo.Subscription]struct{}),
	}, nil
}

// PublishToSubject publishes msg on subject. With ack policy NONE it returns
// as soon as the message is flushed. Otherwise it listens on the message's
// ack inbox (a fresh one if unset) and returns the first ack carrying the
// message's correlation id.
func (p *Publisher) PublishToSubject(ctx context.Context, subject string, msg *api.Message) (*api.Ack, error) {
	if p.closed.Load() {
		return nil, ErrPublisherClosed
	}

	out := *msg
	out.Subject = subject

	if out.AckPolicy == api.AckPolicyNone {
		data, err := envelope.EncodeMessage(&out, p.envelope)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		if err := p.nc.Publish(subject, data); err != nil {
			return nil, fmt.Errorf("nats: publish: %w", err)
		}
		return nil, p.nc.Flush()
	}

	if out.AckInbox == "" {
		out.AckInbox = natsgo.NewInbox()
	}
	ch := make(chan *natsgo.Msg, 8)
	sub, err := p.nc.ChanSubscribe(out.AckInbox, ch)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe ack inbox: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	data, err := envelope.EncodeMessage(&out, p.envelope)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return nil, fmt.Errorf("nats: publish: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m := <-ch:
			ack, err := envelope.DecodeAck(m.Data)
			if err != nil {
				p.log.Warn("dropping undecodable ack", slog.String("inbox", out.AckInbox), slog.Any("error", err))
				continue
			}
			if ack.CorrelationID != out.CorrelationID {
				continue
			}
			return ack, nil
		}
	}
}

// AckFunc handles a message received by Serve. A non-nil ack is sent to the
// message's ack inbox.
type AckFunc func(ctx context.Context, msg *api.Message) *api.Ack

// Serve consumes enveloped messages on subject until ctx ends. It is the
// receiving side of PublishToSubject, used by tools and tests that stand in
// for a broker.
func (p *Publisher) Serve(ctx context.Context, subject string, h AckFunc) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	sub, err := p.nc.Subscribe(subject, func(m *natsgo.Msg) {
		msg, err := envelope.DecodeMessage(m.Data)
		if err != nil {
			p.log.Error("failed to decode message", slog.String("subject", m.Subject), slog.Any("error", err))
			return
		}
		ack := h(ctx, msg)
		if ack == nil || msg.AckInbox == "" {
			return
		}
		data, err := envelope.EncodeAck(ack, p.envelope)
		if err != nil {
			p.log.Error("failed to encode ack", slog.Any("error", err))
			return
		}
		if err := p.nc.Publish(msg.AckInbox, data); err != nil {
			p.log.Error("failed to publish ack", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	if err := p.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	context.AfterFunc(ctx, func() {
		_ = sub.Unsubscribe()
		p.mu.Lock()
		delete(p.subs, sub)
		p.mu.Unlock()
	})
	return nil
}

// Close stops all Serve subscriptions and releases the connection.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return ErrPublisherClosed
	}
	p.mu.Lock()
	for s := range p.subs {
		_ = s.Unsubscribe()
	}
	p.subs = map[*natsgo.Subscription]struct{}{}
	p.mu.Unlock()
	if p.nc != nil {
		_ = p.nc.Flush()
		p.closeNc()
	}
	return nil
}

var _ lift.SubjectPublisher = (*Publisher)(nil)
