package wechat

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/tidwall/gjson"

	"github.com/sipeed/wxclaw/pkg/logger"
	"github.com/sipeed/wxclaw/pkg/utils"
)

// MemberDirectory answers group member questions from local cache only.
type MemberDirectory interface {
	SelfDisplayName(groupID, wxid string) (string, bool)
}

// Normalizer turns gateway payloads into Messages. It performs no I/O
// beyond reading the member cache.
type Normalizer struct {
	selfWxid string
	botName  string
	members  MemberDirectory
	resolver *ReferenceResolver
	nowFunc  func() time.Time
}

func NewNormalizer(selfWxid, botName string, members MemberDirectory, resolver *ReferenceResolver) *Normalizer {
	if resolver == nil {
		resolver = NewReferenceResolver(nil)
	}
	return &Normalizer{
		selfWxid: selfWxid,
		botName:  botName,
		members:  members,
		resolver: resolver,
		nowFunc:  time.Now,
	}
}

func (n *Normalizer) Normalize(raw RawPayload) (*Message, error) {
	if !raw.v.IsObject() {
		return nil, ErrInvalidPayload
	}

	msg := &Message{
		RawType:    rawType(raw),
		CreateTime: raw.Int64("CreateTime", "createTime", "create_time"),
		ToUserID:   raw.String("ToUserName", "toUserName", "to_user_name", "ToWxid"),
		MsgSource:  raw.String("MsgSource", "msgSource", "msg_source"),
	}

	from := raw.String("FromUserName", "fromUserName", "from_user_name", "FromWxid")
	room := raw.String("roomId", "room_id", "RoomId")
	var echoSender string
	switch {
	case room != "":
		msg.IsGroup = true
		msg.FromUserID = room
	case IsGroupID(from):
		msg.IsGroup = true
		msg.FromUserID = from
	case IsGroupID(msg.ToUserID):
		// Our own message into a group comes back with the group as receiver
		// and no sender prefix in the content.
		msg.IsGroup = true
		msg.FromUserID = msg.ToUserID
		echoSender = from
	default:
		msg.FromUserID = from
	}

	content := rawContent(raw)

	msg.MsgID = raw.String("MsgId", "msgId", "msg_id", "NewMsgId", "newMsgId", "id")
	if msg.MsgID == "" {
		msg.MsgID = n.syntheticID(msg.FromUserID, content, msg.CreateTime)
	}

	body := content
	var prefixSender string
	if msg.IsGroup {
		if s, rest, ok := splitSenderPrefix(body, ":\n"); ok {
			prefixSender, body = s, rest
		} else if msg.RawType == RawTypeImage {
			if s, rest, ok := splitSenderPrefix(body, ":"); ok {
				prefixSender, body = s, rest
			}
		}
	}

	n.classify(msg, body)

	switch {
	case msg.ContentType == ContentPat && msg.Pat.Patter != "":
		msg.SenderWxid = msg.Pat.Patter
	case msg.ContentType == ContentSystem:
		msg.SenderWxid = SystemSenderName
	case msg.IsGroup:
		msg.SenderWxid = n.groupSender(raw, msg, content, body, prefixSender, echoSender)
	default:
		msg.SenderWxid = from
		if msg.SenderWxid == "" {
			msg.SenderWxid = UnknownSenderName
		}
	}

	if msg.Media != nil {
		msg.Media.MsgID = msg.MsgID
		msg.Media.DownloaderWxid = n.selfWxid
		msg.Media.OriginalSenderWxid = msg.SenderWxid
		msg.Media.ConversationID = msg.FromUserID
	}

	msg.SetSelfDisplayName(n.selfDisplayName(msg))
	if msg.IsGroup {
		msg.AtList = n.atList(raw, msg)
	}

	logger.DebugCF("wechat", "Normalized message", map[string]interface{}{
		"msg_id":       msg.MsgID,
		"raw_type":     msg.RawType,
		"content_type": msg.ContentType.String(),
		"is_group":     msg.IsGroup,
		"from":         msg.FromUserID,
		"sender":       msg.SenderWxid,
		"content":      utils.Truncate(msg.Content, 80),
	})

	return msg, nil
}

func rawType(raw RawPayload) int {
	r, ok := raw.Lookup("MsgType", "msgType", "Type", "type")
	if !ok {
		return 0
	}
	if r.Type == gjson.Number {
		return int(r.Int())
	}
	s := strings.TrimSpace(r.String())
	if v, ok := rawTypeAliases[strings.ToLower(s)]; ok {
		return v
	}
	var code int
	if _, err := fmt.Sscanf(s, "%d", &code); err == nil {
		return code
	}
	return 0
}

// rawContent keeps surrounding whitespace so the sender prefix split sees
// the payload as sent.
func rawContent(raw RawPayload) string {
	for _, k := range []string{"Content", "content"} {
		if r, ok := raw.Lookup(k); ok && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func (n *Normalizer) syntheticID(from, content string, createTime int64) string {
	h := fnv.New32a()
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(content))
	fmt.Fprintf(h, "%d", createTime)
	return fmt.Sprintf("msg_%d_%08x", n.nowFunc().Unix(), h.Sum32())
}

// splitSenderPrefix splits "wxid_xxx<sep>rest". The left side must be a
// plausible id: non-empty, not markup, no whitespace.
func splitSenderPrefix(s, sep string) (sender, rest string, ok bool) {
	idx := strings.Index(s, sep)
	if idx <= 0 {
		return "", s, false
	}
	left := strings.TrimSpace(s[:idx])
	if left == "" || strings.HasPrefix(left, "<") || strings.ContainsAny(left, " \t\r\n<>") {
		return "", s, false
	}
	return left, s[idx+len(sep):], true
}

func validSender(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !strings.Contains(s, "<")
}

func (n *Normalizer) classify(msg *Message, body string) {
	msg.Content = body

	switch msg.RawType {
	case RawTypeText:
		msg.ContentType = ContentText

	case RawTypeEmoji:
		msg.ContentType = ContentText

	case RawTypeImage:
		msg.ContentType = ContentImage
		msg.Media = imageRef(body)

	case RawTypeVoice:
		msg.ContentType = ContentVoice
		msg.Media = voiceRef(body)

	case RawTypeVideo:
		msg.ContentType = ContentVideo
		msg.Media = videoRef(body)

	case RawTypeApp:
		msg.ContentType = ContentXML
		n.resolver.ResolveReference(body, msg)

	case RawTypeSystem, RawTypeSysMsg:
		if pat, ok := parsePat(body); ok {
			msg.ContentType = ContentPat
			msg.Pat = pat
			return
		}
		msg.ContentType = ContentSystem

	default:
		msg.ContentType = ContentUnknown
		logger.WarnCF("wechat", "Unknown message type", map[string]interface{}{
			"raw_type": msg.RawType,
			"msg_id":   msg.MsgID,
		})
	}
}

func imageRef(body string) *MediaRef {
	ref := &MediaRef{Kind: MediaImage}
	doc, ok := parseXML(body)
	if !ok {
		return ref
	}
	ref.AESKey = nodeAttr(doc, "//img", "aeskey")
	ref.CDNURL = nodeAttr(doc, "//img", "cdnmidimgurl")
	ref.MD5 = nodeAttr(doc, "//img", "md5")
	ref.ExpectedLength = attrInt64(doc, "//img", "length")
	return ref
}

func voiceRef(body string) *MediaRef {
	ref := &MediaRef{Kind: MediaVoice}
	doc, ok := parseXML(body)
	if !ok {
		return ref
	}
	ref.AESKey = nodeAttr(doc, "//voicemsg", "aeskey")
	ref.CDNURL = nodeAttr(doc, "//voicemsg", "voiceurl")
	ref.ExpectedLength = attrInt64(doc, "//voicemsg", "length")
	return ref
}

func videoRef(body string) *MediaRef {
	ref := &MediaRef{Kind: MediaVideo}
	doc, ok := parseXML(body)
	if !ok {
		return ref
	}
	ref.AESKey = nodeAttr(doc, "//videomsg", "aeskey")
	ref.CDNURL = nodeAttr(doc, "//videomsg", "cdnvideourl")
	ref.MD5 = nodeAttr(doc, "//videomsg", "md5")
	ref.ExpectedLength = attrInt64(doc, "//videomsg", "length")
	return ref
}

func parsePat(body string) (*PatInfo, bool) {
	doc, ok := parseXML(body)
	if !ok {
		return nil, false
	}
	pat, err := xmlquery.Query(doc, "//pat")
	if err != nil || pat == nil {
		return nil, false
	}
	return &PatInfo{
		Patter: nodeText(pat, "fromusername"),
		Patted: nodeText(pat, "pattedusername"),
		Suffix: nodeText(pat, "patsuffix"),
	}, true
}

// groupSender walks the sender extraction chain. The result is never empty.
func (n *Normalizer) groupSender(raw RawPayload, msg *Message, content, body, prefixSender, echoSender string) string {
	var doc *xmlquery.Node
	parsedBody := false
	bodyDoc := func() *xmlquery.Node {
		if !parsedBody {
			parsedBody = true
			if strings.HasPrefix(strings.TrimSpace(body), "<") {
				doc, _ = parseXML(body)
			}
		}
		return doc
	}

	xmlType := msg.RawType == RawTypeVoice || msg.RawType == RawTypeVideo ||
		msg.RawType == RawTypeEmoji || msg.RawType == RawTypeApp

	chain := []extractor{
		func() (string, bool) {
			return prefixSender, validSender(prefixSender)
		},
		func() (string, bool) {
			return echoSender, validSender(echoSender) && !IsGroupID(echoSender)
		},
		func() (string, bool) {
			if !xmlType {
				return "", false
			}
			for _, re := range []*regexp.Regexp{fromUserAttrRe, fromUserElemRe} {
				if m := re.FindStringSubmatch(content); len(m) > 1 && validSender(m[1]) {
					return m[1], true
				}
			}
			return "", false
		},
		func() (string, bool) {
			d := bodyDoc()
			if d == nil || rootName(d) != "msg" {
				return "", false
			}
			v, ok := firstNodeText(d, "//username", "//fromusername", "//sender", "//from")
			return v, ok && validSender(v)
		},
		func() (string, bool) {
			src, ok := parseMsgSource(msg.MsgSource)
			if !ok {
				return "", false
			}
			v, ok := firstNodeText(src, "/msgsource/username", "/msgsource/nickname", "/msgsource/alias", "/msgsource/fromusername")
			return v, ok && validSender(v)
		},
		func() (string, bool) {
			v := raw.String("SenderUserName", "sender", "senderId", "fromUser")
			return v, validSender(v) && !IsGroupID(v)
		},
	}

	if v, ok := firstOf(chain...); ok {
		return strings.TrimSpace(v)
	}

	logger.DebugCF("wechat", "Group sender not found, using placeholder", map[string]interface{}{
		"msg_id":   msg.MsgID,
		"group_id": msg.FromUserID,
	})
	return unknownGroupSender + msg.FromUserID
}

func (n *Normalizer) selfDisplayName(msg *Message) string {
	if !msg.IsGroup {
		return n.botName
	}
	if src, ok := parseMsgSource(msg.MsgSource); ok {
		if v, ok := firstNodeText(src, "//selfDisplayName", "//displayname"); ok {
			return v
		}
	}
	if n.members != nil && n.selfWxid != "" {
		if v, ok := n.members.SelfDisplayName(msg.FromUserID, n.selfWxid); ok && v != "" {
			return v
		}
	}
	return n.botName
}

func (n *Normalizer) atList(raw RawPayload, msg *Message) []string {
	var list []string
	if src, ok := parseMsgSource(msg.MsgSource); ok {
		list = splitList(nodeText(src, "//atuserlist"))
	}
	if len(list) == 0 {
		list = raw.Strings("AtUserList", "at_list", "atlist")
	}
	if len(list) == 0 && n.selfWxid != "" && strings.Contains(msg.Content, "@") {
		for _, name := range []string{n.botName, msg.SelfDisplayName()} {
			if name != "" && strings.Contains(msg.Content, "@"+name) {
				list = append(list, n.selfWxid)
				break
			}
		}
	}
	return list
}
