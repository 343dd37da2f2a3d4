package bus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicDecision, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", msg.Payload)
			}
			if msg.Topic != domain.TopicDecision || msg.ID == "" {
				t.Errorf("unexpected envelope: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("HeadersFromContext", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		sub, _ := bus.Subscribe(ctx, "kestrel.headers", func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		defer sub.Unsubscribe()

		hctx := domain.WithHeaders(ctx, domain.HeaderClaimID, "clm-7", domain.HeaderTraceID, "tr-7")
		if err := bus.Publish(hctx, "kestrel.headers", []byte("{}")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if msg.Header(domain.HeaderClaimID) != "clm-7" || msg.Header(domain.HeaderTraceID) != "tr-7" {
				t.Errorf("unexpected headers: %v", msg.Headers)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var hits atomic.Int32
		sub, _ := bus.Subscribe(ctx, domain.TopicReview, func(ctx context.Context, msg *domain.Message) error {
			hits.Add(1)
			return nil
		})
		defer sub.Unsubscribe()

		_ = bus.Publish(ctx, "kestrel.other", []byte("x"))
		time.Sleep(20 * time.Millisecond)

		if hits.Load() != 0 {
			t.Error("subscriber received a message for another topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var hits atomic.Int32
		sub, _ := bus.Subscribe(ctx, "kestrel.unsub", func(ctx context.Context, msg *domain.Message) error {
			hits.Add(1)
			return nil
		})

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		waitFor(t, func() bool { return bus.Subscribers("kestrel.unsub") == 0 })

		_ = bus.Publish(ctx, "kestrel.unsub", []byte("late"))
		time.Sleep(20 * time.Millisecond)
		if hits.Load() != 0 {
			t.Error("received message after unsubscribe")
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(3)
		for i := 0; i < 3; i++ {
			sub, _ := bus.Subscribe(ctx, "kestrel.fanout", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
			defer sub.Unsubscribe()
		}

		_ = bus.Publish(ctx, "kestrel.fanout", []byte("all"))

		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("not every subscriber received the message")
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, domain.TopicClaimSubmitted, func(ctx context.Context, msg *domain.Message) error { return nil })
		defer sub.Unsubscribe()
		if sub.Topic() != domain.TopicClaimSubmitted {
			t.Errorf("expected topic %s, got %s", domain.TopicClaimSubmitted, sub.Topic())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	_, _ = bus.Subscribe(ctx, "kestrel.slow", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	_ = bus.Publish(ctx, "kestrel.slow", []byte("1"))
	<-started // handler is now blocked on the first message
	_ = bus.Publish(ctx, "kestrel.slow", []byte("2"))
	_ = bus.Publish(ctx, "kestrel.slow", []byte("3"))
	close(release)

	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped delivery, got %d", bus.Dropped())
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	_, _ = bus.Subscribe(ctx, "kestrel.close", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "kestrel.close", []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if _, err := bus.Subscribe(ctx, "kestrel.close", nil); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	_, _ = bus.Subscribe(ctx, "kestrel.load", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		_ = bus.Publish(ctx, "kestrel.load", []byte("msg"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

// TestNATSBus needs a NATS server; set KESTREL_TEST_NATS_URL to run it.
func TestNATSBus(t *testing.T) {
	url := os.Getenv("KESTREL_TEST_NATS_URL")
	if url == "" {
		t.Skip("KESTREL_TEST_NATS_URL not set")
	}

	bus, err := NewNATSBus(domain.EventBusConfig{NATSUrl: url, NATSMaxReconnects: 1, NATSReconnectWait: 1})
	if err != nil {
		t.Fatalf("NewNATSBus failed: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	got := make(chan *domain.Message, 1)
	sub, err := bus.Subscribe(ctx, domain.TopicReview, func(ctx context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	hctx := domain.WithHeaders(ctx, domain.HeaderClaimID, "clm-nats")
	if err := bus.Publish(hctx, domain.TopicReview, []byte("review-me")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-got:
		if string(msg.Payload) != "review-me" {
			t.Errorf("unexpected payload %q", msg.Payload)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Errorf("envelope headers lost: %+v", msg)
		}
		if msg.Header(domain.HeaderClaimID) != "clm-nats" {
			t.Errorf("unexpected headers: %v", msg.Headers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for NATS message")
	}
}

func TestWithHeaders(t *testing.T) {
	ctx := domain.WithHeaders(context.Background(), "a", "1", "b", "")
	ctx = domain.WithHeaders(ctx, "c", "3", "dangling")

	h := domain.HeadersFrom(ctx)
	if len(h) != 2 || h["a"] != "1" || h["c"] != "3" {
		t.Errorf("unexpected headers: %v", h)
	}

	h["a"] = "changed"
	if domain.HeadersFrom(ctx)["a"] != "1" {
		t.Error("HeadersFrom returned a shared map")
	}

	if domain.HeadersFrom(context.Background()) != nil {
		t.Error("expected nil headers on a bare context")
	}
}
