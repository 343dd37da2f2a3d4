package domain

import (
	"context"
	"maps"
)

// Topics used by the claim pipeline. Submissions flow in on
// TopicClaimSubmitted; every recorded decision goes out on TopicDecision and
// decisions that need a human also go out on TopicReview.
const (
	TopicClaimSubmitted = "kestrel.claim.submitted"
	TopicDecision       = "kestrel.decision"
	TopicReview         = "kestrel.review"
)

// Header keys carried alongside a message payload.
const (
	HeaderClaimID = "Kestrel-Claim-Id"
	HeaderTraceID = "Kestrel-Trace-Id"
)

// EventBus moves claim submissions and decision notifications between
// components. The community tier runs it on channels, the pro tier on NATS.
type EventBus interface {
	// Publish delivers payload to every subscriber of topic. Headers attached
	// to ctx with WithHeaders travel with the message.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe runs handler for each message on topic until the returned
	// subscription is stopped.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is a delivered event.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Header returns a header value, or "" when it is absent.
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

type headersKey struct{}

// WithHeaders returns a context whose published messages carry kv as
// headers. kv is a list of key, value pairs; a trailing odd key is ignored.
// Headers already on ctx are kept unless overwritten.
func WithHeaders(ctx context.Context, kv ...string) context.Context {
	h := make(map[string]string, len(kv)/2)
	if prev, ok := ctx.Value(headersKey{}).(map[string]string); ok {
		maps.Copy(h, prev)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			h[kv[i]] = kv[i+1]
		}
	}
	return context.WithValue(ctx, headersKey{}, h)
}

// HeadersFrom returns a copy of the headers attached to ctx.
func HeadersFrom(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headersKey{}).(map[string]string)
	if len(h) == 0 {
		return nil
	}
	return maps.Clone(h)
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string `yaml:"type"`

	// ChannelBufferSize bounds each channel subscriber's backlog.
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup spreads submissions across service instances when set.
	NATSQueueGroup string `yaml:"nats_queue_group"`
}
