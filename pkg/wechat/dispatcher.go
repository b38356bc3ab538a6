package wechat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sipeed/wxclaw/pkg/logger"
)

// AllGroups in the group whitelist admits every chatroom.
const AllGroups = "ALL_GROUP"

// GroupNamer resolves a chatroom id to its display name.
type GroupNamer interface {
	GroupName(groupID string) (string, bool)
}

type RouteConfig struct {
	SelfWxid               string
	BotName                string
	SingleChatPrefix       []string
	GroupChatPrefix        []string
	GroupChatKeyword       []string
	GroupNameWhiteList     []string
	SpeechRecognition      bool
	GroupSpeechRecognition bool
}

// Dispatcher decides which normalized messages reach the bot and strips the
// trigger text from the ones that do.
type Dispatcher struct {
	cfg    RouteConfig
	groups GroupNamer
}

func NewDispatcher(cfg RouteConfig, groups GroupNamer) *Dispatcher {
	return &Dispatcher{cfg: cfg, groups: groups}
}

var mentionRe = regexp.MustCompile(`@[^\s\x{2005}]+[\s\x{2005}]+`)

// Route reports whether msg should be emitted. It may rewrite msg.Content.
func (d *Dispatcher) Route(msg *Message) (emit bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("wechat", "Routing panicked, dropping message", map[string]interface{}{
				"msg_id":   msg.MsgID,
				"from":     msg.FromUserID,
				"sender":   msg.SenderWxid,
				"is_group": msg.IsGroup,
				"error":    fmt.Sprint(r),
			})
			emit = false
		}
	}()

	if msg.ContentType == ContentVoice {
		if msg.IsGroup && !d.cfg.GroupSpeechRecognition {
			return false
		}
		if !msg.IsGroup && !d.cfg.SpeechRecognition {
			return false
		}
	}

	if !msg.IsGroup {
		if msg.ContentType != ContentText {
			return true
		}
		return d.routePrivateText(msg)
	}

	if !d.groupAllowed(msg.FromUserID) {
		logger.DebugCF("wechat", "Group not in whitelist", map[string]interface{}{
			"group_id": msg.FromUserID,
		})
		return false
	}
	if msg.ContentType != ContentText {
		return true
	}
	return d.routeGroupText(msg)
}

func (d *Dispatcher) routePrivateText(msg *Message) bool {
	prefixes := d.cfg.SingleChatPrefix
	if len(prefixes) == 0 {
		return true
	}
	if stripped, ok := stripPrefix(msg.Content, prefixes); ok {
		msg.Content = stripped
		return true
	}
	return contains(prefixes, "")
}

func (d *Dispatcher) groupAllowed(groupID string) bool {
	list := d.cfg.GroupNameWhiteList
	if len(list) == 0 {
		return false
	}
	if contains(list, AllGroups) {
		return true
	}
	if contains(list, groupID) {
		return true
	}
	if d.groups == nil {
		return false
	}
	name, ok := d.groups.GroupName(groupID)
	return ok && contains(list, name)
}

func (d *Dispatcher) routeGroupText(msg *Message) bool {
	// Quote prompts carry the user's own words in Quote.Question; triggers
	// are matched there and the prompt rebuilt.
	text := msg.Content
	quoted := msg.IsProcessedTextQuote()
	if quoted {
		text = msg.Quote.Question
	}
	apply := func(s string) {
		if quoted {
			msg.Quote.Question = s
			msg.Content = msg.Quote.Prompt()
		} else {
			msg.Content = s
		}
	}

	if stripped, ok := stripPrefix(text, d.cfg.GroupChatPrefix); ok {
		apply(stripped)
		return true
	}

	for _, kw := range d.cfg.GroupChatKeyword {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}

	if d.mentioned(msg, text) {
		apply(d.stripMention(text, msg.SelfDisplayName()))
		return true
	}
	return false
}

func (d *Dispatcher) mentioned(msg *Message, text string) bool {
	if d.cfg.SelfWxid != "" && contains(msg.AtList, d.cfg.SelfWxid) {
		return true
	}
	for _, name := range []string{d.cfg.BotName, msg.SelfDisplayName()} {
		if name != "" && strings.Contains(text, "@"+name) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) stripMention(text, displayName string) string {
	for _, name := range []string{d.cfg.BotName, displayName} {
		if name == "" {
			continue
		}
		for _, pat := range []string{"@" + name + " ", "@" + name + "\u2005", "@" + name} {
			if strings.Contains(text, pat) {
				return strings.TrimSpace(strings.Replace(text, pat, "", 1))
			}
		}
	}
	if loc := mentionRe.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	}
	return strings.TrimSpace(text)
}

// stripPrefix matches non-empty prefixes only.
func stripPrefix(s string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return strings.TrimSpace(strings.TrimPrefix(s, p)), true
		}
	}
	return s, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
