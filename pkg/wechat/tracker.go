package wechat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sipeed/wxclaw/pkg/logger"
)

type RejectReason string

const (
	Accepted         RejectReason = ""
	RejectDuplicate  RejectReason = "duplicate"
	RejectStale      RejectReason = "stale"
	RejectSelf       RejectReason = "self"
	RejectOfficial   RejectReason = "official_account"
	RejectStatusSync RejectReason = "status_sync"
)

const (
	defaultDedupTTL      = time.Hour
	defaultMaxMessageAge = 5 * time.Minute
	defaultDedupCapacity = 10000
)

type TrackerConfig struct {
	SelfWxid       string
	TTL            time.Duration
	MaxAge         time.Duration
	OfficialPrefix string
	Capacity       int
}

// SessionTracker filters messages that must not reach the bot: repeats,
// old backlog, our own echoes and official accounts.
type SessionTracker struct {
	cfg     TrackerConfig
	mu      sync.Mutex
	seen    *expirable.LRU[string, struct{}]
	nowFunc func() time.Time
}

func NewSessionTracker(cfg TrackerConfig) *SessionTracker {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultDedupTTL
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxMessageAge
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultDedupCapacity
	}
	return &SessionTracker{
		cfg:     cfg,
		seen:    expirable.NewLRU[string, struct{}](cfg.Capacity, nil, cfg.TTL),
		nowFunc: time.Now,
	}
}

func dedupKey(msg *Message) string {
	return msg.MsgID + "|" + msg.SenderWxid + "|" + strconv.FormatInt(msg.CreateTime, 10)
}

// Check classifies msg and, when it is accepted, records it so the next
// identical delivery is rejected. Check-and-record is atomic.
func (t *SessionTracker) Check(msg *Message) RejectReason {
	switch {
	case msg.RawType == RawTypeStatusNotify || msg.RawType == RawTypeSysNotice:
		return RejectStatusSync
	case t.cfg.SelfWxid != "" && (msg.SenderWxid == t.cfg.SelfWxid || (!msg.IsGroup && msg.FromUserID == t.cfg.SelfWxid)):
		return RejectSelf
	case t.cfg.OfficialPrefix != "" && (strings.HasPrefix(msg.SenderWxid, t.cfg.OfficialPrefix) || strings.HasPrefix(msg.FromUserID, t.cfg.OfficialPrefix)):
		return RejectOfficial
	}

	if msg.CreateTime > 0 {
		cutoff := t.nowFunc().Add(-t.cfg.MaxAge).Unix()
		if msg.CreateTime < cutoff {
			return RejectStale
		}
	}

	key := dedupKey(msg)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen.Get(key); ok {
		return RejectDuplicate
	}
	t.seen.Add(key, struct{}{})
	return Accepted
}

func (t *SessionTracker) ShouldProcess(msg *Message) bool {
	reason := t.Check(msg)
	if reason == Accepted {
		return true
	}
	logger.DebugCF("wechat", "Message filtered", map[string]interface{}{
		"msg_id": msg.MsgID,
		"sender": msg.SenderWxid,
		"reason": string(reason),
	})
	return false
}

// Len is the number of remembered message keys.
func (t *SessionTracker) Len() int {
	return t.seen.Len()
}
