package wechat

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/sipeed/wxclaw/pkg/logger"
)

// ImageLocator finds an already downloaded image by its aeskey.
type ImageLocator interface {
	Lookup(aeskey string) (path string, ok bool)
}

// ReferenceResolver decodes appmsg payloads that refer to other content:
// quotes (type 57) and shared links (type 5).
type ReferenceResolver struct {
	images ImageLocator
}

func NewReferenceResolver(images ImageLocator) *ReferenceResolver {
	return &ReferenceResolver{images: images}
}

// ResolveReference rewrites msg in place and reports whether the appmsg was
// turned into a more specific content type.
func (r *ReferenceResolver) ResolveReference(xml string, msg *Message) bool {
	doc, ok := parseXML(xml)
	if !ok {
		logger.DebugCF("wechat", "App message is not parseable XML", map[string]interface{}{
			"msg_id": msg.MsgID,
		})
		return false
	}

	appType, _ := firstNodeText(doc, "/msg/appmsg/type", "//appmsg/type")
	switch appType {
	case "57":
		return r.resolveQuote(doc, msg)
	case "5":
		return resolveSharingLink(doc, msg)
	}
	return false
}

func (r *ReferenceResolver) resolveQuote(doc *xmlquery.Node, msg *Message) bool {
	question, _ := firstNodeText(doc, "/msg/appmsg/title", "//appmsg/title")

	refer, err := xmlquery.Query(doc, "//appmsg/refermsg")
	if err != nil || refer == nil {
		return quoteFallback(msg, question, "unknown")
	}

	referType := nodeText(refer, "type")
	quoter := nodeText(refer, "displayname")
	quoted := nodeText(refer, "content")

	switch referType {
	case "1":
		msg.Quote = &Quote{
			Kind:       QuoteText,
			Question:   question,
			Quoter:     quoter,
			QuotedText: quoted,
			ReferType:  referType,
		}
		msg.Content = msg.Quote.Prompt()
		msg.ContentType = ContentText
		return true

	case "49":
		inner, ok := parseXML(innerXML(quoted))
		if !ok {
			break
		}
		innerType, _ := firstNodeText(inner, "/msg/appmsg/type", "//appmsg/type")
		if innerType != "19" {
			break
		}
		summary, _ := firstNodeText(inner, "//appmsg/des", "//appmsg/title")
		msg.Quote = &Quote{
			Kind:       QuoteChatRecord,
			Question:   question,
			Quoter:     quoter,
			QuotedText: summary,
			ReferType:  referType,
		}
		msg.Content = msg.Quote.Prompt()
		msg.ContentType = ContentText
		return true

	case "3":
		inner, ok := parseXML(innerXML(quoted))
		if !ok {
			break
		}
		aeskey := nodeAttr(inner, "//img", "aeskey")
		if aeskey == "" || r.images == nil {
			break
		}
		path, found := r.images.Lookup(aeskey)
		if !found {
			logger.InfoCF("wechat", "Quoted image is not in the local cache", map[string]interface{}{
				"msg_id": msg.MsgID,
				"aeskey": aeskey,
			})
			break
		}
		msg.Quote = &Quote{
			Kind:      QuoteImage,
			Question:  question,
			Quoter:    quoter,
			ReferType: referType,
		}
		msg.ReferencedImagePath = path
		msg.Content = question
		msg.ContentType = ContentText
		return true
	}

	return quoteFallback(msg, question, referType)
}

func quoteFallback(msg *Message, question, referType string) bool {
	msg.Content = fmt.Sprintf(quoteFallbackTemplate, question, referType)
	msg.ContentType = ContentXML
	return false
}

func resolveSharingLink(doc *xmlquery.Node, msg *Message) bool {
	raw, _ := firstNodeText(doc, "/msg/appmsg/url", "//appmsg/url")
	link, ok := NormalizeShareURL(raw)
	if !ok {
		logger.WarnCF("wechat", "Shared link has no usable URL", map[string]interface{}{
			"msg_id": msg.MsgID,
			"url":    raw,
		})
		return false
	}
	msg.Content = link
	msg.ContentType = ContentSharing
	return true
}

// NormalizeShareURL trims a shared link, upgrades scheme-relative links to
// http and rejects anything that does not look like a web address.
func NormalizeShareURL(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "//") {
		s = "http:" + s
	}
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.Contains(u.Host, ".") {
		return "", false
	}
	return s, true
}
