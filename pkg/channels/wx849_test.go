package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sipeed/wxclaw/pkg/bus"
	"github.com/sipeed/wxclaw/pkg/config"
	"github.com/sipeed/wxclaw/pkg/gateway"
)

// fakeGateway is a minimal wx849 HTTP gateway.
type fakeGateway struct {
	mu       sync.Mutex
	requests map[string][]map[string]interface{}
	image    []byte
	syncMsgs []string
	syncs    atomic.Int32
	// roomInfo, when set, holds GetChatRoomInfo until it is closed.
	roomInfo chan struct{}
}

func (g *fakeGateway) calls(path string) []map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[path]
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	g.mu.Lock()
	if g.requests == nil {
		g.requests = make(map[string][]map[string]interface{})
	}
	g.requests[r.URL.Path] = append(g.requests[r.URL.Path], body)
	g.mu.Unlock()

	switch r.URL.Path {
	case "/VXAPI/Msg/Sync":
		n := g.syncs.Add(1)
		msgs := "[]"
		if int(n) <= len(g.syncMsgs) {
			msgs = g.syncMsgs[n-1]
		}
		fmt.Fprintf(w, `{"Success":true,"Data":{"AddMsgs":%s}}`, msgs)
	case "/VXAPI/Tools/DownloadImg":
		section, _ := body["Section"].(map[string]interface{})
		start := int(section["StartPos"].(float64))
		end := start + int(section["DataLen"].(float64))
		if end > len(g.image) {
			end = len(g.image)
		}
		chunk := base64.StdEncoding.EncodeToString(g.image[start:end])
		fmt.Fprintf(w, `{"Success":true,"Data":{"buffer":%q}}`, chunk)
	case "/VXAPI/Group/GetChatRoomInfo":
		if g.roomInfo != nil {
			<-g.roomInfo
		}
		_, _ = io.WriteString(w, `{"Success":true,"Data":{"ContactList":[{"NickName":{"string":"读书会"}}]}}`)
	case "/VXAPI/Group/GetChatRoomMemberDetail":
		_, _ = io.WriteString(w, `{"Success":true,"Data":{"NewChatroomData":{"MemberCount":2,"ChatRoomMember":[
			{"UserName":"wxid_carol","NickName":"卡罗尔"},
			{"UserName":"wxid_bot","NickName":"bot","DisplayName":"小助手"}]}}}`)
	default:
		_, _ = io.WriteString(w, `{"Success":true,"Data":{}}`)
	}
}

func testConfig(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	addr := srv.Listener.Addr().(*net.TCPAddr)
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Channels.WX849.Enabled = true
	cfg.Channels.WX849.APIHost = addr.IP.String()
	cfg.Channels.WX849.APIPort = addr.Port
	cfg.Channels.WX849.Wxid = "wxid_bot"
	cfg.Channels.WX849.BotName = "bot"
	cfg.Channels.WX849.PollIntervalMS = 20
	cfg.Channels.WX849.ShutdownGraceSeconds = 2
	return cfg
}

func newTestChannel(t *testing.T, gw *fakeGateway, mutate func(*config.Config)) (*WX849Channel, *bus.MessageBus) {
	t.Helper()
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv)
	if mutate != nil {
		mutate(cfg)
	}
	mb := bus.NewMessageBus()
	ch, err := NewWX849Channel(cfg, mb)
	require.NoError(t, err)
	return ch, mb
}

func consume(t *testing.T, mb *bus.MessageBus, timeout time.Duration) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return mb.ConsumeInbound(ctx)
}

func batch(js string) []gjson.Result {
	return gjson.Parse(js).Array()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		for y := 0; y < 30; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 5), uint8(y * 7), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

const privateText = `[{"MsgId":1,"FromUserName":{"string":"wxid_alice"},"ToUserName":{"string":"wxid_bot"},"MsgType":1,"Content":{"string":"hello"}}]`

func TestWX849ProcessPrivateText(t *testing.T) {
	ch, mb := newTestChannel(t, &fakeGateway{}, nil)

	ch.processBatch(context.Background(), batch(privateText))

	msg, ok := consume(t, mb, time.Second)
	require.True(t, ok, "expected inbound message")
	assert.Equal(t, "wx849", msg.Channel)
	assert.Equal(t, "wxid_alice", msg.SenderID)
	assert.Equal(t, "wxid_alice", msg.ChatID)
	assert.Equal(t, "wxid_alice", msg.SessionKey)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "TEXT", msg.ContentType)
	assert.Equal(t, bus.Peer{Kind: "direct", ID: "wxid_alice"}, msg.Peer)
	assert.Equal(t, "wx849:wxid_alice:1", msg.MediaScope)
	assert.Equal(t, "false", msg.Metadata["is_group"])
	assert.Equal(t, "wxid_alice", msg.Metadata["receiver"])
	assert.Equal(t, "1", msg.Metadata["raw_type"])
	assert.Equal(t, "bot", msg.Metadata["self_display_name"])

	// The same delivery again is filtered.
	ch.processBatch(context.Background(), batch(privateText))
	_, ok = consume(t, mb, 100*time.Millisecond)
	assert.False(t, ok, "duplicate must not be emitted")
}

func TestWX849FiltersSelfAndOfficial(t *testing.T) {
	ch, mb := newTestChannel(t, &fakeGateway{}, nil)

	ch.processBatch(context.Background(), batch(`[
		{"MsgId":2,"FromUserName":"wxid_bot","ToUserName":"wxid_alice","MsgType":1,"Content":"echo"},
		{"MsgId":3,"FromUserName":"gh_news","ToUserName":"wxid_bot","MsgType":1,"Content":"ad"}
	]`))

	_, ok := consume(t, mb, 100*time.Millisecond)
	assert.False(t, ok)
}

func TestWX849DropsOwnGroupEcho(t *testing.T) {
	ch, mb := newTestChannel(t, &fakeGateway{}, func(cfg *config.Config) {
		cfg.Channels.WX849.GroupChatKeyword = config.FlexibleStringSlice{"天气"}
	})

	ch.processBatch(context.Background(), batch(`[
		{"MsgId":4,"FromUserName":"wxid_bot","ToUserName":"777@chatroom","MsgType":1,"Content":"天气 reply from the bot"},
		{"MsgId":5,"FromUserName":"777@chatroom","ToUserName":"wxid_bot","MsgType":1,"Content":"wxid_carol:\n天气怎么样"}
	]`))

	msg, ok := consume(t, mb, time.Second)
	require.True(t, ok)
	assert.Equal(t, "wxid_carol", msg.SenderID)

	_, ok = consume(t, mb, 100*time.Millisecond)
	assert.False(t, ok, "the bot's own group message must not be emitted")
}

func TestWX849AllowList(t *testing.T) {
	ch, mb := newTestChannel(t, &fakeGateway{}, func(cfg *config.Config) {
		cfg.Channels.WX849.AllowFrom = config.FlexibleStringSlice{"wxid_bob"}
	})

	ch.processBatch(context.Background(), batch(privateText))
	_, ok := consume(t, mb, 100*time.Millisecond)
	assert.False(t, ok, "sender outside allow_from must be dropped")
}

func TestWX849GroupMentionResolvesDetails(t *testing.T) {
	gw := &fakeGateway{}
	ch, mb := newTestChannel(t, gw, nil)

	ch.processBatch(context.Background(), batch(`[{"MsgId":10,"FromUserName":"1@chatroom","ToUserName":"wxid_bot","MsgType":1,"Content":"wxid_carol:\n@bot 今天天气"}]`))

	msg, ok := consume(t, mb, time.Second)
	require.True(t, ok)
	assert.Equal(t, "今天天气", msg.Content)
	assert.Equal(t, "1@chatroom", msg.ChatID)
	assert.Equal(t, "wxid_carol", msg.SenderID)
	assert.Equal(t, bus.Peer{Kind: "group", ID: "1@chatroom"}, msg.Peer)
	assert.Equal(t, "true", msg.Metadata["is_group"])
	assert.Equal(t, "1@chatroom", msg.Metadata["group_id"])
	assert.Equal(t, "wxid_bot", msg.Metadata["at_list"])

	// Lookups run after emission and fill the cache for later messages.
	ch.tasks.Wait()
	assert.Len(t, gw.calls("/VXAPI/Group/GetChatRoomInfo"), 1)

	ch.processBatch(context.Background(), batch(`[{"MsgId":11,"FromUserName":"1@chatroom","ToUserName":"wxid_bot","MsgType":1,"Content":"wxid_carol:\n@小助手 明天呢"}]`))
	msg, ok = consume(t, mb, time.Second)
	require.True(t, ok)
	assert.Equal(t, "明天呢", msg.Content)
	assert.Equal(t, "读书会", msg.Metadata["group_name"])
	assert.Equal(t, "卡罗尔", msg.Metadata["from_user_nickname"])
	assert.Equal(t, "小助手", msg.Metadata["self_display_name"])
}

func TestWX849GroupWithoutTriggerIsDropped(t *testing.T) {
	ch, mb := newTestChannel(t, &fakeGateway{}, nil)

	ch.processBatch(context.Background(), batch(`[{"MsgId":12,"FromUserName":"1@chatroom","MsgType":1,"Content":"wxid_carol:\n随便聊聊"}]`))
	_, ok := consume(t, mb, 100*time.Millisecond)
	assert.False(t, ok)
}

func TestWX849NameWhitelistDoesNotBlockPolling(t *testing.T) {
	gw := &fakeGateway{roomInfo: make(chan struct{})}
	ch, mb := newTestChannel(t, gw, func(cfg *config.Config) {
		cfg.Channels.WX849.GroupNameWhiteList = config.FlexibleStringSlice{"读书会"}
	})

	done := make(chan struct{})
	go func() {
		ch.processBatch(context.Background(), batch(`[{"MsgId":20,"FromUserName":"1@chatroom","ToUserName":"wxid_bot","MsgType":1,"Content":"wxid_carol:\n@bot 第一条"}]`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processBatch waited on the group lookup")
	}

	// The name was unknown when the first message was routed.
	_, ok := consume(t, mb, 100*time.Millisecond)
	assert.False(t, ok)

	close(gw.roomInfo)
	ch.tasks.Wait()

	ch.processBatch(context.Background(), batch(`[{"MsgId":21,"FromUserName":"1@chatroom","ToUserName":"wxid_bot","MsgType":1,"Content":"wxid_carol:\n@bot 第二条"}]`))
	msg, ok := consume(t, mb, time.Second)
	require.True(t, ok)
	assert.Equal(t, "第二条", msg.Content)
	assert.Equal(t, "读书会", msg.Metadata["group_name"])
	assert.Len(t, gw.calls("/VXAPI/Group/GetChatRoomInfo"), 1)
}

func TestWX849ImageEmittedAfterDownload(t *testing.T) {
	pic := testPNG(t)
	gw := &fakeGateway{image: pic}
	ch, mb := newTestChannel(t, gw, func(cfg *config.Config) {
		cfg.Media.ChunkSize = 512
	})

	img := fmt.Sprintf(`<?xml version=\"1.0\"?><msg><img aeskey=\"k1\" length=\"%d\" md5=\"m\"/></msg>`, len(pic))
	ch.processBatch(context.Background(), batch(`[{"MsgId":20,"FromUserName":"wxid_alice","ToUserName":"wxid_bot","MsgType":3,"Content":"`+img+`"}]`))

	msg, ok := consume(t, mb, 5*time.Second)
	require.True(t, ok, "image context should follow the download")
	assert.Equal(t, "IMAGE", msg.ContentType)
	assert.Equal(t, []string{msg.Content}, msg.Media)
	data, err := os.ReadFile(msg.Content)
	require.NoError(t, err)
	assert.Equal(t, pic, data)
	assert.Equal(t, (len(pic)+511)/512, len(gw.calls("/VXAPI/Tools/DownloadImg")))

	// A later text in the same session is linked to the image.
	ch.processBatch(context.Background(), batch(`[{"MsgId":21,"FromUserName":"wxid_alice","ToUserName":"wxid_bot","MsgType":1,"Content":"这是什么"}]`))
	msg2, ok := consume(t, mb, time.Second)
	require.True(t, ok)
	assert.Equal(t, msg.Content, msg2.Metadata["recent_image_path"])
}

func TestWX849FailedImageEmitsNothing(t *testing.T) {
	gw := &fakeGateway{image: []byte("this is not an image at all")}
	ch, mb := newTestChannel(t, gw, nil)

	ch.processBatch(context.Background(), batch(`[{"MsgId":22,"FromUserName":"wxid_alice","ToUserName":"wxid_bot","MsgType":3,"Content":"<msg><img aeskey=\"bad\" length=\"27\"/></msg>"}]`))
	ch.tasks.Wait()

	_, ok := consume(t, mb, 100*time.Millisecond)
	assert.False(t, ok)
	entries, err := os.ReadDir(ch.fetcher.Cache().Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "corrupt download must leave no file behind")
}

func TestWX849Send(t *testing.T) {
	gw := &fakeGateway{}
	ch, _ := newTestChannel(t, gw, nil)
	ctx := context.Background()

	err := ch.Send(ctx, bus.OutboundMessage{Channel: "wx849", ChatID: "wxid_alice", Content: "hi"})
	require.Error(t, err, "send before start must fail")

	ch.setRunning(true)

	require.NoError(t, ch.Send(ctx, bus.OutboundMessage{ChatID: "wxid_alice", Content: "## 天气\n**晴** 25度"}))
	texts := gw.calls("/VXAPI/Msg/SendTxt")
	require.Len(t, texts, 1)
	assert.Equal(t, "wxid_alice", texts[0]["ToWxid"])
	assert.Equal(t, "天气\n晴 25度", texts[0]["Content"], "markdown is stripped before sending")

	pic := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(pic, []byte("png-bytes"), 0600))
	require.NoError(t, ch.Send(ctx, bus.OutboundMessage{ChatID: "1@chatroom", Media: []string{pic}}))
	imgs := gw.calls("/VXAPI/Msg/UploadImg")
	require.Len(t, imgs, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), imgs[0]["Base64"])
	assert.Len(t, gw.calls("/VXAPI/Msg/SendTxt"), 1, "empty content sends no text")

	require.NoError(t, ch.Send(ctx, bus.OutboundMessage{ChatID: "wxid_alice", Kind: bus.OutboundAppXML, Content: "<appmsg/>", AppType: 5}))
	apps := gw.calls("/VXAPI/Msg/SendApp")
	require.Len(t, apps, 1)
	assert.Equal(t, "<appmsg/>", apps[0]["Xml"])
	assert.Equal(t, float64(5), apps[0]["Type"])
}

func TestWX849PollLoop(t *testing.T) {
	gw := &fakeGateway{syncMsgs: []string{
		`[{"MsgId":30,"FromUserName":"wxid_alice","ToUserName":"wxid_bot","MsgType":1,"Content":"polled"}]`,
	}}
	ch, mb := newTestChannel(t, gw, nil)

	require.NoError(t, ch.Start(context.Background()))
	assert.True(t, ch.IsRunning())

	msg, ok := consume(t, mb, 3*time.Second)
	require.True(t, ok)
	assert.Equal(t, "polled", msg.Content)

	require.NoError(t, ch.Stop(context.Background()))
	assert.False(t, ch.IsRunning())
	assert.GreaterOrEqual(t, gw.syncs.Load(), int32(1))
}

func TestWX849StartGatewayUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Channels.WX849.APIPort = port
	cfg.Channels.WX849.StartupProbeSeconds = 1
	ch, err := NewWX849Channel(cfg, bus.NewMessageBus())
	require.NoError(t, err)

	err = ch.Start(context.Background())
	assert.True(t, errors.Is(err, gateway.ErrGatewayUnreachable), "got %v", err)
	assert.False(t, ch.IsRunning())
}

func TestWX849PushSource(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth atomic.Value
	gw := &fakeGateway{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"Data":{"AddMsgs":[{"MsgId":40,"FromUserName":"wxid_alice","ToUserName":"wxid_bot","MsgType":1,"Content":"pushed"}]}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.Handle("/", gw)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.Channels.WX849.WSUrl = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Channels.WX849.AccessToken = "secret"
	mb := bus.NewMessageBus()
	ch, err := NewWX849Channel(cfg, mb)
	require.NoError(t, err)

	require.NoError(t, ch.Start(context.Background()))
	msg, ok := consume(t, mb, 3*time.Second)
	require.True(t, ok)
	assert.Equal(t, "pushed", msg.Content)
	assert.Equal(t, "Bearer secret", gotAuth.Load())

	require.NoError(t, ch.Stop(context.Background()))
	assert.Zero(t, gw.syncs.Load(), "push mode must not poll")
}

func TestFramePayloads(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  int
		ok    bool
	}{
		{"add msgs", `{"AddMsgs":[{"MsgId":1},{"MsgId":2}]}`, 2, true},
		{"data add msgs", `{"Data":{"AddMsgs":[{"MsgId":1}]}}`, 1, true},
		{"array", `[{"MsgId":1},{"MsgId":2},{"MsgId":3}]`, 3, true},
		{"single", `{"MsgId":1,"Content":"x"}`, 1, true},
		{"garbage", `not json`, 0, false},
		{"scalar", `42`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := framePayloads([]byte(tt.frame))
			assert.Equal(t, tt.ok, ok)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestWX849MaintenanceJobs(t *testing.T) {
	ch, _ := newTestChannel(t, &fakeGateway{}, nil)

	old := filepath.Join(ch.fetcher.Cache().Dir(), "old.jpg")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0600))
	past := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	require.NoError(t, ch.Scheduler().RunNow(context.Background(), JobMediaCacheGC))
	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired cache file should be swept")

	require.NoError(t, ch.Scheduler().RunNow(context.Background(), JobGroupCacheRefresh))
}
