package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	want := InboundMessage{Channel: "wx849", ChatID: "123@chatroom", Content: "hi"}
	if err := mb.PublishInbound(ctx, want); err != nil {
		t.Fatalf("PublishInbound() error = %v", err)
	}

	got, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected inbound message, got none")
	}
	if got.ChatID != want.ChatID || got.Content != want.Content {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPublishAfterClose(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()
	mb.Close()

	err := mb.PublishOutbound(context.Background(), OutboundMessage{Channel: "wx849"})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("PublishOutbound() error = %v, want ErrBusClosed", err)
	}

	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatal("SubscribeOutbound() on closed bus should return ok=false")
	}
}

func TestConsumeInboundRespectsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if msg, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("unexpected inbound message: %+v", msg)
	}
}
