package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sipeed/wxclaw/cmd/wxclaw/internal"
	"github.com/sipeed/wxclaw/pkg/bus"
	"github.com/sipeed/wxclaw/pkg/channels"
	"github.com/sipeed/wxclaw/pkg/logger"
	"github.com/sipeed/wxclaw/pkg/utils"
)

const stopTimeout = 30 * time.Second

func gatewayCmd(debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error creating channel manager: %w", err)
	}

	enabledChannels := channelManager.GetEnabledChannels()
	if len(enabledChannels) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", enabledChannels)
	} else {
		fmt.Println("⚠ Warning: No channels enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := channelManager.StartAll(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		channelManager.StopAll(stopCtx)
		return fmt.Errorf("error starting channels: %w", err)
	}

	go logInbound(ctx, msgBus)

	fmt.Println("✓ Gateway started")
	fmt.Println("Press Ctrl+C to stop")
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	channelManager.StopAll(stopCtx)
	fmt.Println("✓ Gateway stopped")
	return nil
}

// logInbound drains the bus. The bot framework that answers these contexts
// runs outside this process.
func logInbound(ctx context.Context, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		fields := map[string]interface{}{
			"channel":      msg.Channel,
			"session":      msg.SessionKey,
			"sender":       msg.SenderID,
			"content_type": msg.ContentType,
			"content":      utils.Truncate(msg.Content, 120),
		}
		for k, v := range msg.Metadata {
			fields["meta_"+k] = v
		}
		logger.InfoCF("gateway", "Inbound context", fields)
	}
}
