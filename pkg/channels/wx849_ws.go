package channels

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/sipeed/wxclaw/pkg/logger"
	"github.com/sipeed/wxclaw/pkg/utils"
)

const minReconnectInterval = 5 * time.Second

func (c *WX849Channel) connect() error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	header := make(http.Header)
	if c.config.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AccessToken)
	}

	conn, _, err := dialer.DialContext(c.ctx, c.config.WSUrl, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		conn.Close()
		return fmt.Errorf("channel stopped while connecting")
	}
	c.conn = conn

	logger.InfoC(wx849ChannelName, "Push websocket connected")
	return nil
}

func (c *WX849Channel) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *WX849Channel) reconnectLoop() {
	defer c.loops.Done()

	interval := c.errorBackoff
	if interval < minReconnectInterval {
		interval = minReconnectInterval
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(interval):
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				logger.InfoC(wx849ChannelName, "Attempting to reconnect push websocket...")
				if err := c.connect(); err != nil {
					logger.ErrorCF(wx849ChannelName, "Reconnect failed", map[string]interface{}{
						"error": err.Error(),
					})
				} else {
					c.loops.Add(1)
					go c.listen()
				}
			}
		}
	}
}

func (c *WX849Channel) listen() {
	defer c.loops.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				logger.WarnC(wx849ChannelName, "Push connection is nil, listener exiting")
				return
			}

			_, frame, err := conn.ReadMessage()
			if err != nil {
				if c.ctx.Err() == nil {
					logger.ErrorCF(wx849ChannelName, "Push websocket read error", map[string]interface{}{
						"error": err.Error(),
					})
				}
				c.mu.Lock()
				if c.conn == conn {
					c.conn.Close()
					c.conn = nil
				}
				c.mu.Unlock()
				return
			}

			msgs, ok := framePayloads(frame)
			if !ok {
				logger.WarnCF(wx849ChannelName, "Ignoring push frame", map[string]interface{}{
					"payload": utils.Truncate(string(frame), 200),
				})
				continue
			}
			c.processBatch(c.ctx, msgs)
		}
	}
}

// framePayloads pulls message payloads out of a push frame: an object with
// AddMsgs or Data.AddMsgs, a bare array, or a single message.
func framePayloads(frame []byte) ([]gjson.Result, bool) {
	if !gjson.ValidBytes(frame) {
		return nil, false
	}
	root := gjson.ParseBytes(frame)
	if root.IsArray() {
		return root.Array(), true
	}
	if !root.IsObject() {
		return nil, false
	}
	for _, path := range []string{"AddMsgs", "Data.AddMsgs", "data.AddMsgs"} {
		if v := root.Get(path); v.IsArray() {
			return v.Array(), true
		}
	}
	return []gjson.Result{root}, true
}
