package wechat

import (
	"fmt"
	"strings"
	"sync/atomic"
)

type ContentType int

const (
	ContentUnknown ContentType = iota
	ContentText
	ContentImage
	ContentVoice
	ContentVideo
	ContentXML
	ContentSharing
	ContentSystem
	ContentPat
)

var contentTypeNames = [...]string{
	ContentUnknown: "UNKNOWN",
	ContentText:    "TEXT",
	ContentImage:   "IMAGE",
	ContentVoice:   "VOICE",
	ContentVideo:   "VIDEO",
	ContentXML:     "XML",
	ContentSharing: "SHARING",
	ContentSystem:  "SYSTEM",
	ContentPat:     "PAT",
}

func (t ContentType) String() string {
	if int(t) >= 0 && int(t) < len(contentTypeNames) {
		return contentTypeNames[t]
	}
	return "UNKNOWN"
}

// Gateway message type codes.
const (
	RawTypeText         = 1
	RawTypeImage        = 3
	RawTypeVoice        = 34
	RawTypeVideo        = 43
	RawTypeEmoji        = 47
	RawTypeApp          = 49
	RawTypeStatusNotify = 51
	RawTypeSysNotice    = 9999
	RawTypeSystem       = 10000
	RawTypeSysMsg       = 10002
)

var rawTypeAliases = map[string]int{
	"text":   RawTypeText,
	"image":  RawTypeImage,
	"voice":  RawTypeVoice,
	"video":  RawTypeVideo,
	"emoji":  RawTypeEmoji,
	"app":    RawTypeApp,
	"system": RawTypeSystem,
}

const (
	GroupSuffix        = "@chatroom"
	SystemSenderName   = "系统消息"
	UnknownSenderName  = "未知发送者"
	unknownGroupSender = "未知用户_"
)

// IsGroupID reports whether id names a chatroom.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, GroupSuffix)
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

// MediaRef locates a binary asset held by the gateway.
type MediaRef struct {
	Kind               MediaKind
	AESKey             string
	ExpectedLength     int64
	CDNURL             string
	MD5                string
	MsgID              string
	DownloaderWxid     string
	OriginalSenderWxid string
	ConversationID     string
}

// CacheKey is the stable key for the downloaded asset. It falls back to the
// message id when the gateway gave no aeskey, in which case the result is
// stored per message and never reused.
func (r MediaRef) CacheKey() (key string, reusable bool) {
	if r.AESKey != "" {
		return r.AESKey, true
	}
	return "msg_" + r.MsgID, false
}

type PatInfo struct {
	Patter string
	Patted string
	Suffix string
}

type QuoteKind int

const (
	QuoteText QuoteKind = iota + 1
	QuoteChatRecord
	QuoteImage
)

// Quote is the decoded form of an appmsg type 57 message.
type Quote struct {
	Kind       QuoteKind
	Question   string
	Quoter     string
	QuotedText string
	ReferType  string
}

const (
	quoteTextTemplate       = "用户针对以下消息提问：\"%s\"\n\n被引用的消息来自\"%s\"：\n\"%s\"\n\n请基于被引用的消息回答用户的问题。"
	quoteChatRecordTemplate = "用户针对以下聊天记录提问：\"%s\"\n\n被引用的聊天记录来自\"%s\"：\n\"%s\"\n\n请基于被引用的聊天记录回答用户的问题。"
	quoteFallbackTemplate   = "用户针对一条引用消息提问：\"%s\"\n\n（被引用的消息类型 %s 暂不支持解析）"
)

// Prompt renders the message content for the quote's current question.
func (q *Quote) Prompt() string {
	switch q.Kind {
	case QuoteText:
		return fmt.Sprintf(quoteTextTemplate, q.Question, q.Quoter, q.QuotedText)
	case QuoteChatRecord:
		return fmt.Sprintf(quoteChatRecordTemplate, q.Question, q.Quoter, q.QuotedText)
	default:
		return q.Question
	}
}

// Message is the canonical form of one gateway message.
//
// SelfDisplayName, SenderNickname and LocalPath are best-effort: they may be
// filled in by a background task after Normalize returns, so readers must
// accept an empty or stale value.
type Message struct {
	MsgID               string
	CreateTime          int64
	IsGroup             bool
	FromUserID          string
	ToUserID            string
	SenderWxid          string
	ContentType         ContentType
	Content             string
	AtList              []string
	Media               *MediaRef
	Quote               *Quote
	ReferencedImagePath string
	Pat                 *PatInfo
	RawType             int
	MsgSource           string

	selfDisplayName atomic.Pointer[string]
	senderNickname  atomic.Pointer[string]
	localPath       atomic.Pointer[string]
}

// IsProcessedTextQuote reports whether Content is a synthesized quote prompt.
func (m *Message) IsProcessedTextQuote() bool {
	return m.Quote != nil && (m.Quote.Kind == QuoteText || m.Quote.Kind == QuoteChatRecord)
}

// GroupID returns the chatroom id for group messages.
func (m *Message) GroupID() string {
	if m.IsGroup {
		return m.FromUserID
	}
	return ""
}

// SessionID is the conversation key: the group for group chats, the
// sender otherwise.
func (m *Message) SessionID() string {
	if m.IsGroup {
		return m.FromUserID
	}
	return m.SenderWxid
}

func (m *Message) SelfDisplayName() string { return loadString(&m.selfDisplayName) }
func (m *Message) SetSelfDisplayName(s string) {
	m.selfDisplayName.Store(&s)
}

func (m *Message) SenderNickname() string { return loadString(&m.senderNickname) }
func (m *Message) SetSenderNickname(s string) {
	m.senderNickname.Store(&s)
}

// LocalPath is the cache file of a downloaded media asset.
func (m *Message) LocalPath() string { return loadString(&m.localPath) }
func (m *Message) SetLocalPath(s string) {
	m.localPath.Store(&s)
}

func loadString(p *atomic.Pointer[string]) string {
	if v := p.Load(); v != nil {
		return *v
	}
	return ""
}
