package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Reserved NATS headers. Everything else on a message is a caller header.
const (
	hdrMessageID = "Nats-Msg-Id"
	hdrTimestamp = "Kestrel-Timestamp"
)

// NATSBus runs the pipeline topics over NATS subjects. Payloads travel as
// the raw message body; ids, timestamps and context headers travel as NATS
// headers so other services can consume decisions without unwrapping.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSBus dials NATS, retrying the initial connection up to
// NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := dial(url, opts, attempts, wait)
	if err != nil {
		return nil, err
	}
	slog.Info("nats connected", "url", conn.ConnectedUrl(), "queue_group", cfg.NATSQueueGroup)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[*nats.Subscription]struct{}),
	}, nil
}

func dial(url string, opts []nats.Option, attempts int, wait time.Duration) (*nats.Conn, error) {
	var err error
	for i := 1; i <= attempts; i++ {
		var conn *nats.Conn
		if conn, err = nats.Connect(url, opts...); err == nil {
			return conn, nil
		}
		slog.Warn("nats connect failed", "attempt", i, "of", attempts, "error", err)
		if i < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
}

// Publish sends payload on the topic subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.conn.PublishMsg(toNATS(envelope(ctx, topic, payload)))
}

// Subscribe attaches handler to the topic subject. With a queue group
// configured each message reaches one member of the group.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg := fromNATS(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error", "topic", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(topic, b.queueGroup, cb)
	} else {
		sub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &natsSubscription{bus: b, sub: sub}, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains every subscription and then the connection, so in-flight
// submissions finish before shutdown.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.conn.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	bus *NATSBus
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string { return s.sub.Subject }

func toNATS(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	m.Header.Set(hdrMessageID, msg.ID)
	m.Header.Set(hdrTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	return m
}

func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{Topic: m.Subject, Payload: m.Data}
	for k := range m.Header {
		switch k {
		case hdrMessageID:
			msg.ID = m.Header.Get(k)
		case hdrTimestamp:
			msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(k), 10, 64)
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers[k] = m.Header.Get(k)
		}
	}
	return msg
}
