package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sipeed/wxclaw/pkg/bus"
	"github.com/sipeed/wxclaw/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       messageBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed accepts everyone when the allow list is empty. Entries may be a
// bare wxid or the "wxid|nickname" form.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && userPart == allowedUser) {
			return true
		}
	}

	return false
}

// HandleMessage publishes one inbound context. Senders outside the allow
// list are dropped.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) error {
	if !c.IsAllowed(msg.SenderID) {
		logger.DebugCF(c.name, "Sender not in allow list", map[string]interface{}{
			"sender_id": msg.SenderID,
		})
		return nil
	}

	msg.Channel = c.name
	if msg.MediaScope == "" {
		msg.MediaScope = BuildMediaScope(c.name, msg.ChatID, msg.MessageID)
	}
	return c.bus.PublishInbound(ctx, msg)
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// BuildMediaScope is the key under which media belonging to one message is
// tracked by the consumer.
func BuildMediaScope(channel, chatID, messageID string) string {
	id := messageID
	if id == "" {
		id = uuid.New().String()
	}
	return channel + ":" + chatID + ":" + id
}
