package wechat

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
)

// parseXML parses a gateway XML fragment. Leading noise before the first
// '<' (for example a "wxid:\n" sender prefix) is skipped.
func parseXML(s string) (*xmlquery.Node, bool) {
	idx := strings.Index(s, "<")
	if idx < 0 {
		return nil, false
	}
	doc, err := xmlquery.Parse(strings.NewReader(s[idx:]))
	if err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// parseMsgSource parses MsgSource, wrapping it in <msgsource> when the
// gateway sent bare child elements.
func parseMsgSource(s string) (*xmlquery.Node, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if !strings.HasPrefix(s, "<msgsource") {
		s = "<msgsource>" + s + "</msgsource>"
	}
	return parseXML(s)
}

func nodeText(doc *xmlquery.Node, expr string) string {
	if doc == nil {
		return ""
	}
	n, err := xmlquery.Query(doc, expr)
	if err != nil || n == nil {
		return ""
	}
	return strings.TrimSpace(n.InnerText())
}

func nodeAttr(doc *xmlquery.Node, expr, attr string) string {
	if doc == nil {
		return ""
	}
	n, err := xmlquery.Query(doc, expr)
	if err != nil || n == nil {
		return ""
	}
	return strings.TrimSpace(n.SelectAttr(attr))
}

func attrInt64(doc *xmlquery.Node, expr, attr string) int64 {
	v := nodeAttr(doc, expr, attr)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// firstNodeText tries each expression in order.
func firstNodeText(doc *xmlquery.Node, exprs ...string) (string, bool) {
	for _, expr := range exprs {
		if v := nodeText(doc, expr); v != "" {
			return v, true
		}
	}
	return "", false
}

// rootName is the local name of the document element.
func rootName(doc *xmlquery.Node) string {
	if doc == nil {
		return ""
	}
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n.Data
		}
	}
	return ""
}

// innerXML decodes XML that was embedded as escaped text, as in
// refermsg/content.
func innerXML(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "&lt;") {
		s = html.UnescapeString(s)
	}
	return s
}

var (
	fromUserAttrRe = regexp.MustCompile(`fromusername\s*=\s*["'](.*?)["']`)
	fromUserElemRe = regexp.MustCompile(`<fromusername>(.*?)</fromusername>`)
)
