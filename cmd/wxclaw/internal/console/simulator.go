package console

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/wxclaw/pkg/config"
	"github.com/sipeed/wxclaw/pkg/groupcache"
	"github.com/sipeed/wxclaw/pkg/wechat"
)

const (
	consoleSender = "wxid_console"
	consoleGroup  = "console@chatroom"
	groupPrefix   = "g:"
)

// Result is what the channel would have done with one typed line.
type Result struct {
	Emitted bool
	Reason  string
	Message *wechat.Message
}

func (r Result) String() string {
	if r.Message == nil {
		return "✗ " + r.Reason
	}
	if !r.Emitted {
		return fmt.Sprintf("✗ filtered (%s)", r.Reason)
	}
	m := r.Message
	return fmt.Sprintf("✓ %s session=%s sender=%s content=%q", m.ContentType, m.SessionID(), m.SenderWxid, m.Content)
}

// Simulator runs typed lines through the same normalize, filter and route
// steps as the live channel, without a gateway.
type Simulator struct {
	normalizer *wechat.Normalizer
	tracker    *wechat.SessionTracker
	dispatcher *wechat.Dispatcher
	nowFunc    func() time.Time
}

func NewSimulator(cfg *config.Config) *Simulator {
	wc := cfg.Channels.WX849
	groups := groupcache.NewResolver(nil, groupcache.NewStore(cfg.RoomsFilePath(), cfg.GroupTTL()), 0)

	return &Simulator{
		normalizer: wechat.NewNormalizer(wc.Wxid, wc.BotName, groups, nil),
		tracker: wechat.NewSessionTracker(wechat.TrackerConfig{
			SelfWxid:       wc.Wxid,
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
		nowFunc: time.Now,
	}
}

// Feed treats line as a text message from the console user. A "g:" prefix
// sends it into the console group instead.
func (s *Simulator) Feed(line string) Result {
	payload := map[string]interface{}{
		"MsgId":      uuid.NewString(),
		"MsgType":    wechat.RawTypeText,
		"CreateTime": s.nowFunc().Unix(),
	}
	if text, ok := strings.CutPrefix(line, groupPrefix); ok {
		payload["FromUserName"] = consoleGroup
		payload["Content"] = consoleSender + ":\n" + strings.TrimSpace(text)
	} else {
		payload["FromUserName"] = consoleSender
		payload["Content"] = line
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Result{Reason: err.Error()}
	}
	raw, err := wechat.ParsePayload(data)
	if err != nil {
		return Result{Reason: err.Error()}
	}
	msg, err := s.normalizer.Normalize(raw)
	if err != nil {
		return Result{Reason: err.Error()}
	}

	if reason := s.tracker.Check(msg); reason != wechat.Accepted {
		return Result{Reason: string(reason), Message: msg}
	}
	if !s.dispatcher.Route(msg) {
		return Result{Reason: "no trigger", Message: msg}
	}
	return Result{Emitted: true, Message: msg}
}
