package wechat

import (
	"fmt"
	"html"
	"testing"
)

type fakeImages map[string]string

func (f fakeImages) Lookup(aeskey string) (string, bool) {
	p, ok := f[aeskey]
	return p, ok
}

func quoteXML(question, referType, displayName, content string) string {
	return fmt.Sprintf(`<msg><appmsg appid=""><title>%s</title><type>57</type>`+
		`<refermsg><type>%s</type><svrid>1</svrid><fromusr>x@chatroom</fromusr>`+
		`<displayname>%s</displayname><content>%s</content></refermsg></appmsg></msg>`,
		question, referType, displayName, html.EscapeString(content))
}

func TestResolveTextQuote(t *testing.T) {
	r := NewReferenceResolver(nil)
	msg := &Message{MsgID: "1", ContentType: ContentXML}

	if !r.ResolveReference(quoteXML("这是什么意思", "1", "张三", "今天天气不错"), msg) {
		t.Fatal("ResolveReference returned false for a text quote")
	}
	want := "用户针对以下消息提问：\"这是什么意思\"\n\n被引用的消息来自\"张三\"：\n\"今天天气不错\"\n\n请基于被引用的消息回答用户的问题。"
	if msg.Content != want {
		t.Errorf("Content =\n%q\nwant\n%q", msg.Content, want)
	}
	if msg.ContentType != ContentText {
		t.Errorf("ContentType = %v", msg.ContentType)
	}
	if !msg.IsProcessedTextQuote() || msg.Quote.Question != "这是什么意思" {
		t.Errorf("Quote = %+v", msg.Quote)
	}
}

func TestResolveChatRecordQuote(t *testing.T) {
	r := NewReferenceResolver(nil)
	msg := &Message{MsgID: "2"}
	inner := `<msg><appmsg><title>群聊的聊天记录</title><des>A: hi\nB: yo</des><type>19</type></appmsg></msg>`

	if !r.ResolveReference(quoteXML("总结一下", "49", "李四", inner), msg) {
		t.Fatal("ResolveReference returned false for a chat record quote")
	}
	want := "用户针对以下聊天记录提问：\"总结一下\"\n\n被引用的聊天记录来自\"李四\"：\n\"A: hi\\nB: yo\"\n\n请基于被引用的聊天记录回答用户的问题。"
	if msg.Content != want {
		t.Errorf("Content =\n%q\nwant\n%q", msg.Content, want)
	}
	if msg.Quote.Kind != QuoteChatRecord {
		t.Errorf("Kind = %v", msg.Quote.Kind)
	}
}

func TestResolveImageQuote(t *testing.T) {
	inner := `<msg><img aeskey="img1" length="10"/></msg>`

	t.Run("cached", func(t *testing.T) {
		r := NewReferenceResolver(fakeImages{"img1": "/tmp/images/img1.jpg"})
		msg := &Message{MsgID: "3"}
		if !r.ResolveReference(quoteXML("图里是什么", "3", "王五", inner), msg) {
			t.Fatal("ResolveReference returned false for a cached image quote")
		}
		if msg.ReferencedImagePath != "/tmp/images/img1.jpg" {
			t.Errorf("ReferencedImagePath = %q", msg.ReferencedImagePath)
		}
		if msg.Content != "图里是什么" || msg.ContentType != ContentText {
			t.Errorf("content = %v %q", msg.ContentType, msg.Content)
		}
		if msg.IsProcessedTextQuote() {
			t.Error("image quote must not be a processed text quote")
		}
	})

	t.Run("not cached", func(t *testing.T) {
		r := NewReferenceResolver(fakeImages{})
		msg := &Message{MsgID: "4"}
		if r.ResolveReference(quoteXML("图里是什么", "3", "王五", inner), msg) {
			t.Fatal("ResolveReference returned true for an uncached image")
		}
		if msg.ContentType != ContentXML {
			t.Errorf("ContentType = %v, want XML", msg.ContentType)
		}
		want := "用户针对一条引用消息提问：\"图里是什么\"\n\n（被引用的消息类型 3 暂不支持解析）"
		if msg.Content != want {
			t.Errorf("Content = %q", msg.Content)
		}
	})
}

func TestResolveUnsupportedQuote(t *testing.T) {
	r := NewReferenceResolver(nil)
	msg := &Message{MsgID: "5"}
	if r.ResolveReference(quoteXML("看看", "43", "赵六", "<msg/>"), msg) {
		t.Fatal("ResolveReference returned true for a video quote")
	}
	if msg.ContentType != ContentXML {
		t.Errorf("ContentType = %v", msg.ContentType)
	}
}

func TestResolveSharingLink(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		handled bool
	}{
		{"https", "https://example.com/a?b=1", "https://example.com/a?b=1", true},
		{"scheme relative", "//mp.weixin.qq.com/s/abc", "http://mp.weixin.qq.com/s/abc", true},
		{"padded", "  http://a.b/c  ", "http://a.b/c", true},
		{"no dot", "http://localhost/x", "", false},
		{"ftp", "ftp://files.example.com/x", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReferenceResolver(nil)
			msg := &Message{MsgID: "6", ContentType: ContentXML}
			body := fmt.Sprintf(`<msg><appmsg><title>t</title><type>5</type><url>%s</url></appmsg></msg>`, tt.url)
			got := r.ResolveReference(body, msg)
			if got != tt.handled {
				t.Fatalf("handled = %v, want %v", got, tt.handled)
			}
			if tt.handled {
				if msg.Content != tt.want || msg.ContentType != ContentSharing {
					t.Errorf("content = %v %q, want SHARING %q", msg.ContentType, msg.Content, tt.want)
				}
			} else if msg.ContentType != ContentXML {
				t.Errorf("ContentType = %v, want XML", msg.ContentType)
			}
		})
	}
}

func TestResolveNotXML(t *testing.T) {
	r := NewReferenceResolver(nil)
	msg := &Message{MsgID: "7", Content: "plain", ContentType: ContentXML}
	if r.ResolveReference("plain", msg) {
		t.Fatal("ResolveReference returned true for plain text")
	}
	if msg.Content != "plain" {
		t.Errorf("Content changed to %q", msg.Content)
	}
}
