package channels

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"

	"github.com/sipeed/wxclaw/pkg/bus"
	"github.com/sipeed/wxclaw/pkg/config"
	"github.com/sipeed/wxclaw/pkg/cron"
	"github.com/sipeed/wxclaw/pkg/gateway"
	"github.com/sipeed/wxclaw/pkg/groupcache"
	"github.com/sipeed/wxclaw/pkg/logger"
	"github.com/sipeed/wxclaw/pkg/media"
	"github.com/sipeed/wxclaw/pkg/utils"
	"github.com/sipeed/wxclaw/pkg/wechat"
)

const (
	wx849ChannelName = "wx849"

	JobMediaCacheGC      = "media-cache-gc"
	JobGroupCacheRefresh = "group-cache-refresh"

	recentImageCapacity = 1024
	publishTimeout      = 10 * time.Second
	lookupTimeout       = 10 * time.Second
	// Groups untouched for this many TTLs are dropped from the rooms file.
	groupPruneFactor = 7
)

// WX849Channel connects a wx849 gateway to the message bus. Messages come
// from polling /Msg/Sync, or from a websocket when ws_url is set.
type WX849Channel struct {
	*BaseChannel
	config       config.WX849Config
	client       *gateway.Client
	groups       *groupcache.Resolver
	normalizer   *wechat.Normalizer
	tracker      *wechat.SessionTracker
	dispatcher   *wechat.Dispatcher
	fetcher      *media.Fetcher
	scheduler    *cron.Scheduler
	recentImages *expirable.LRU[string, string]

	cacheTTL      time.Duration
	groupTTL      time.Duration
	pollInterval  time.Duration
	errorBackoff  time.Duration
	probeTimeout  time.Duration
	shutdownGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	tasks  sync.WaitGroup
	conn   *websocket.Conn
	mu     sync.Mutex
}

func NewWX849Channel(cfg *config.Config, messageBus *bus.MessageBus) (*WX849Channel, error) {
	wc := cfg.Channels.WX849

	cache, err := media.NewCache(cfg.ImageCacheDir())
	if err != nil {
		return nil, fmt.Errorf("image cache: %w", err)
	}

	client := gateway.NewClient(wc)
	store := groupcache.NewStore(cfg.RoomsFilePath(), cfg.GroupTTL())
	groups := groupcache.NewResolver(client, store, 0)

	c := &WX849Channel{
		BaseChannel: NewBaseChannel(wx849ChannelName, messageBus, wc.AllowFrom),
		config:      wc,
		client:      client,
		groups:      groups,
		normalizer:  wechat.NewNormalizer(wc.Wxid, wc.BotName, groups, wechat.NewReferenceResolver(cache)),
		tracker: wechat.NewSessionTracker(wechat.TrackerConfig{
			SelfWxid:       wc.Wxid,
			TTL:            seconds(wc.DedupTTLSeconds, time.Hour),
			MaxAge:         seconds(wc.MaxMessageAgeSeconds, 5*time.Minute),
			OfficialPrefix: wc.OfficialAccountPrefix,
		}),
		dispatcher: wechat.NewDispatcher(wechat.RouteConfig{
			SelfWxid:               wc.Wxid,
			BotName:                wc.BotName,
			SingleChatPrefix:       wc.SingleChatPrefix,
			GroupChatPrefix:        wc.GroupChatPrefix,
			GroupChatKeyword:       wc.GroupChatKeyword,
			GroupNameWhiteList:     wc.GroupNameWhiteList,
			SpeechRecognition:      wc.SpeechRecognition,
			GroupSpeechRecognition: wc.GroupSpeechRecognition,
		}, groups),
		fetcher: media.NewFetcher(client, cache, media.Options{
			ChunkSize:  int64(cfg.Media.ChunkSize),
			StaleAfter: time.Duration(cfg.Media.StaleLockMinutes) * time.Minute,
			Timeout:    seconds(cfg.Media.DownloadTimeoutSeconds, 0),
		}),
		scheduler:     cron.NewScheduler(cfg.SchedulerStatePath()),
		recentImages:  expirable.NewLRU[string, string](recentImageCapacity, nil, seconds(wc.RecentImageTTLSeconds, 2*time.Hour)),
		cacheTTL:      cfg.CacheTTL(),
		groupTTL:      cfg.GroupTTL(),
		pollInterval:  time.Duration(wc.PollIntervalMS) * time.Millisecond,
		errorBackoff:  seconds(wc.ErrorBackoffSeconds, 5*time.Second),
		probeTimeout:  seconds(wc.StartupProbeSeconds, 30*time.Second),
		shutdownGrace: seconds(wc.ShutdownGraceSeconds, 10*time.Second),
		ctx:           context.Background(),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}

	if err := c.registerJobs(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (c *WX849Channel) registerJobs(cfg *config.Config) error {
	if expr := strings.TrimSpace(cfg.Media.GCSchedule); expr != "" {
		if err := c.scheduler.Add(JobMediaCacheGC, expr, c.sweepMediaCache); err != nil {
			return err
		}
	}
	if expr := strings.TrimSpace(cfg.Groups.RefreshSchedule); expr != "" {
		if err := c.scheduler.Add(JobGroupCacheRefresh, expr, c.refreshGroups); err != nil {
			return err
		}
	}
	return nil
}

func (c *WX849Channel) sweepMediaCache(ctx context.Context) error {
	_, err := c.fetcher.Cache().Sweep(c.cacheTTL)
	return err
}

func (c *WX849Channel) refreshGroups(ctx context.Context) error {
	n, err := c.groups.RefreshStale(ctx)
	store := c.groups.Store()
	pruned := store.Prune(groupPruneFactor * c.groupTTL)
	if pruned > 0 {
		if serr := store.Save(); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	logger.DebugCF(wx849ChannelName, "Group cache refreshed", map[string]interface{}{
		"refreshed": n,
		"pruned":    pruned,
	})
	return err
}

// Scheduler exposes the maintenance jobs, e.g. for a one-off RunNow.
func (c *WX849Channel) Scheduler() *cron.Scheduler { return c.scheduler }

func (c *WX849Channel) Start(ctx context.Context) error {
	logger.InfoCF(wx849ChannelName, "Starting WX849 channel", map[string]interface{}{
		"gateway":  c.client.BaseURL(),
		"wxid":     c.config.Wxid,
		"push_url": c.config.WSUrl,
	})
	if c.config.Wxid == "" {
		logger.WarnC(wx849ChannelName, "wxid not configured, self-message filtering is disabled")
	}

	if err := c.client.WaitReady(ctx, c.probeTimeout); err != nil {
		return err
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setRunning(true)

	if c.config.WSUrl != "" {
		if err := c.connect(); err != nil {
			logger.WarnCF(wx849ChannelName, "Initial push connection failed, will retry in background", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			c.loops.Add(1)
			go c.listen()
		}
		c.loops.Add(1)
		go c.reconnectLoop()
	} else {
		c.loops.Add(1)
		go c.pollLoop(c.ctx)
	}

	if err := c.scheduler.Start(c.ctx); err != nil {
		logger.WarnCF(wx849ChannelName, "Scheduler failed to start", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.InfoC(wx849ChannelName, "WX849 channel started successfully")
	return nil
}

// Stop cancels message intake, then gives in-flight downloads up to the
// shutdown grace period to finish.
func (c *WX849Channel) Stop(ctx context.Context) error {
	logger.InfoC(wx849ChannelName, "Stopping WX849 channel")
	c.setRunning(false)

	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.scheduler.Stop()

	deadline := time.Now().Add(c.shutdownGrace)
	if waitUntil(ctx, &c.loops, deadline) && waitUntil(ctx, &c.tasks, deadline) {
		logger.DebugC(wx849ChannelName, "Background tasks finished")
	} else {
		logger.WarnCF(wx849ChannelName, "Shutdown grace period elapsed with tasks still running", map[string]interface{}{
			"grace": c.shutdownGrace.String(),
		})
	}

	if err := c.groups.Store().Save(); err != nil {
		logger.WarnCF(wx849ChannelName, "Failed to save group cache", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

func waitUntil(ctx context.Context, wg *sync.WaitGroup, deadline time.Time) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *WX849Channel) pollLoop(ctx context.Context) {
	defer c.loops.Done()

	for {
		if ctx.Err() != nil || !c.IsRunning() {
			return
		}

		wait := c.pollInterval
		msgs, err := c.client.Sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fields := map[string]interface{}{
				"error":   err.Error(),
				"backoff": c.errorBackoff.String(),
			}
			if gateway.IsLoginRequired(err) {
				logger.ErrorCF(wx849ChannelName, "Gateway session is logged out, log in again on the gateway", fields)
			} else {
				logger.WarnCF(wx849ChannelName, "Sync failed", fields)
			}
			wait = c.errorBackoff
		} else {
			c.processBatch(ctx, msgs)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// processBatch handles one batch in order. Downloads and lookups started
// here outlive ctx; Stop waits for them.
func (c *WX849Channel) processBatch(ctx context.Context, msgs []gjson.Result) {
	for _, v := range msgs {
		if ctx.Err() != nil {
			return
		}
		c.processRaw(ctx, v)
	}
}

func (c *WX849Channel) processRaw(ctx context.Context, v gjson.Result) {
	raw, err := wechat.NewPayload(v)
	if err != nil {
		logger.WarnCF(wx849ChannelName, "Skipping malformed payload", map[string]interface{}{
			"payload": utils.Truncate(v.Raw, 200),
		})
		return
	}

	msg, err := c.normalizer.Normalize(raw)
	if err != nil {
		logger.WarnCF(wx849ChannelName, "Failed to normalize message", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if !c.tracker.ShouldProcess(msg) {
		return
	}
	// Group lookups run in the background even for messages that are not
	// routed, so a name whitelist can match the group's later messages.
	if msg.IsGroup {
		c.resolveGroupDetails(msg)
	}
	if !c.dispatcher.Route(msg) {
		return
	}

	if msg.ContentType == wechat.ContentImage && msg.Media != nil {
		c.goTask(func(tctx context.Context) {
			c.fetchAndEmit(tctx, msg)
		})
		return
	}

	if err := c.emit(ctx, msg, msg.Content, nil); err != nil {
		logger.ErrorCF(wx849ChannelName, "Failed to publish message", map[string]interface{}{
			"msg_id": msg.MsgID,
			"error":  err.Error(),
		})
	}
}

// goTask runs fn on a context that survives poll cancellation.
func (c *WX849Channel) goTask(fn func(ctx context.Context)) {
	ctx := context.WithoutCancel(c.ctx)
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorCF(wx849ChannelName, "Background task panicked", map[string]interface{}{
					"error": fmt.Sprint(r),
				})
			}
		}()
		fn(ctx)
	}()
}

// resolveGroupDetails fills the sender nickname from the member cache and
// schedules a lookup for whatever the cache could not answer.
func (c *WX849Channel) resolveGroupDetails(msg *wechat.Message) {
	groupID := msg.GroupID()
	store := c.groups.Store()

	nick, nickOK := store.MemberNickname(groupID, msg.SenderWxid)
	if nickOK {
		msg.SetSenderNickname(nick)
	}
	_, nameOK := store.Name(groupID)
	if nickOK && nameOK {
		return
	}

	c.goTask(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()
		if !nameOK {
			c.groups.ResolveName(ctx, groupID)
		}
		if !nickOK {
			if nick, ok := c.groups.MemberNickname(ctx, groupID, msg.SenderWxid); ok {
				msg.SetSenderNickname(nick)
			}
		}
	})
}

func (c *WX849Channel) fetchAndEmit(ctx context.Context, msg *wechat.Message) {
	path, err := c.fetcher.FetchImage(ctx, *msg.Media)
	if err != nil {
		logger.ErrorCF(wx849ChannelName, "Image download failed", map[string]interface{}{
			"msg_id": msg.MsgID,
			"aeskey": msg.Media.AESKey,
			"error":  err.Error(),
		})
		return
	}

	msg.SetLocalPath(path)
	c.recentImages.Add(msg.SessionID(), path)
	logger.InfoCF(wx849ChannelName, "Image downloaded", map[string]interface{}{
		"msg_id":  msg.MsgID,
		"session": msg.SessionID(),
		"path":    path,
	})

	if err := c.emit(ctx, msg, path, []string{path}); err != nil {
		logger.ErrorCF(wx849ChannelName, "Failed to publish image message", map[string]interface{}{
			"msg_id": msg.MsgID,
			"error":  err.Error(),
		})
	}
}

func (c *WX849Channel) emit(ctx context.Context, msg *wechat.Message, content string, mediaPaths []string) error {
	session := msg.SessionID()
	peer := bus.Peer{Kind: "direct", ID: msg.SenderWxid}
	if msg.IsGroup {
		peer = bus.Peer{Kind: "group", ID: msg.GroupID()}
	}

	metadata := map[string]string{
		"is_group":          strconv.FormatBool(msg.IsGroup),
		"raw_type":          strconv.Itoa(msg.RawType),
		"receiver":          session,
		"session_id":        session,
		"origin_ctype":      msg.ContentType.String(),
		"self_display_name": msg.SelfDisplayName(),
	}
	if nick := msg.SenderNickname(); nick != "" {
		metadata["from_user_nickname"] = nick
	}
	if msg.IsGroup {
		metadata["group_id"] = msg.GroupID()
		if name, ok := c.groups.Store().Name(msg.GroupID()); ok {
			metadata["group_name"] = name
		}
		if len(msg.AtList) > 0 {
			metadata["at_list"] = strings.Join(msg.AtList, ",")
		}
	}
	if msg.ReferencedImagePath != "" {
		metadata["referenced_image_path"] = msg.ReferencedImagePath
	}
	if msg.ContentType == wechat.ContentText {
		if p, ok := c.recentImages.Get(session); ok {
			metadata["recent_image_path"] = p
		}
	}
	if msg.Pat != nil {
		metadata["pat_patter"] = msg.Pat.Patter
		metadata["pat_patted"] = msg.Pat.Patted
		metadata["pat_suffix"] = msg.Pat.Suffix
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	logger.InfoCF(wx849ChannelName, "Message received", map[string]interface{}{
		"msg_id":       msg.MsgID,
		"content_type": msg.ContentType.String(),
		"session":      session,
		"sender":       msg.SenderWxid,
		"content":      utils.Truncate(content, 80),
	})

	return c.HandleMessage(ctx, bus.InboundMessage{
		SenderID:    msg.SenderWxid,
		ChatID:      session,
		Content:     content,
		ContentType: msg.ContentType.String(),
		Media:       mediaPaths,
		Peer:        peer,
		MessageID:   msg.MsgID,
		SessionKey:  session,
		Metadata:    metadata,
	})
}

// Send delivers a reply through the gateway: app XML, images for every
// Media path, then the text if any.
func (c *WX849Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("wx849 channel not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("wx849: outbound message has no chat id")
	}

	if msg.Kind == bus.OutboundAppXML {
		if _, err := c.client.SendApp(ctx, msg.ChatID, msg.Content, msg.AppType); err != nil {
			return fmt.Errorf("send app message: %w", err)
		}
		return nil
	}

	for _, p := range msg.Media {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read image %s: %w", p, err)
		}
		if _, err := c.client.SendImage(ctx, msg.ChatID, data); err != nil {
			return fmt.Errorf("send image: %w", err)
		}
		logger.InfoCF(wx849ChannelName, "Image sent", map[string]interface{}{
			"to":   msg.ChatID,
			"path": p,
		})
	}

	text := utils.StripMarkdown(msg.Content)
	if text == "" {
		return nil
	}
	if _, err := c.client.SendText(ctx, msg.ChatID, text, nil); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	logger.InfoCF(wx849ChannelName, "Text sent", map[string]interface{}{
		"to":      msg.ChatID,
		"content": utils.Truncate(text, 80),
	})
	return nil
}
