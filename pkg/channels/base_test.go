package channels

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sipeed/wxclaw/pkg/bus"
)

func TestBaseChannelIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty allow list", nil, "wxid_any", true},
		{"exact wxid", []string{"wxid_alice"}, "wxid_alice", true},
		{"other wxid", []string{"wxid_alice"}, "wxid_bob", false},
		{"compound entry", []string{"wxid_alice|Alice"}, "wxid_alice", true},
		{"compound sender", []string{"wxid_alice"}, "wxid_alice|Alice", true},
		{"nickname match", []string{"wxid_x|Alice"}, "wxid_alice|Alice", true},
		{"at prefix", []string{"@wxid_alice"}, "wxid_alice", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewBaseChannel("test", bus.NewMessageBus(), tt.allowList)
			if got := ch.IsAllowed(tt.senderID); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

func TestBaseChannelHandleMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := NewBaseChannel("wx849", mb, nil)

	if err := ch.HandleMessage(context.Background(), bus.InboundMessage{
		SenderID:  "wxid_alice",
		ChatID:    "wxid_alice",
		Content:   "hi",
		MessageID: "m1",
	}); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected inbound message, got none")
	}
	if msg.Channel != "wx849" {
		t.Errorf("channel = %q, want wx849", msg.Channel)
	}
	if msg.MediaScope != "wx849:wxid_alice:m1" {
		t.Errorf("media scope = %q", msg.MediaScope)
	}
}

func TestBuildMediaScopeWithoutMessageID(t *testing.T) {
	scope := BuildMediaScope("wx849", "1@chatroom", "")
	if !strings.HasPrefix(scope, "wx849:1@chatroom:") || len(scope) <= len("wx849:1@chatroom:") {
		t.Errorf("scope = %q", scope)
	}
	if scope == BuildMediaScope("wx849", "1@chatroom", "") {
		t.Error("scopes without message id must be unique")
	}
}
