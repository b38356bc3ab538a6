package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/sipeed/wxclaw/pkg/config"
	"github.com/sipeed/wxclaw/pkg/logger"
	"github.com/sipeed/wxclaw/pkg/utils"
)

const (
	EndpointSync             = "/Msg/Sync"
	EndpointSendText         = "/Msg/SendTxt"
	EndpointUploadImage      = "/Msg/UploadImg"
	EndpointSendApp          = "/Msg/SendApp"
	EndpointDownloadImage    = "/Tools/DownloadImg"
	EndpointChatRoomInfo     = "/Group/GetChatRoomInfo"
	EndpointChatRoomMembers  = "/Group/GetChatRoomMemberDetail"
	EndpointSelfInfo         = "/User/GetSelfInfo"
	EndpointRefreshToken     = "/Login/RefreshToken"
	EndpointHeartBeat        = "/Login/HeartBeat"
	EndpointTwiceAutoAuth    = "/Login/TwiceAutoAuth"
	EndpointCheckQR          = "/Login/CheckQR"
	EndpointGetCacheInfo     = "/Login/GetCacheInfo"
	defaultRequestTimeout    = 60 * time.Second
	defaultTokenRefreshLimit = 2
)

// Login endpoints that only accept application/x-www-form-urlencoded.
var formEndpoints = map[string]bool{
	EndpointHeartBeat:     true,
	EndpointTwiceAutoAuth: true,
	EndpointCheckQR:       true,
	EndpointGetCacheInfo:  true,
}

// Calls that are safe to repeat after a transport error.
var idempotentEndpoints = map[string]bool{
	EndpointDownloadImage:   true,
	EndpointChatRoomInfo:    true,
	EndpointChatRoomMembers: true,
	EndpointSelfInfo:        true,
	EndpointHeartBeat:       true,
	EndpointGetCacheInfo:    true,
}

// Client talks to the local wx849 protocol gateway.
type Client struct {
	baseURL    string
	prefix     string
	deviceID   string
	maxRetries int
	fetch      *resty.Client
	send       *resty.Client
	wxid       string
}

func NewClient(cfg config.WX849Config) *Client {
	host := strings.TrimSpace(cfg.APIHost)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.APIPort
	if port <= 0 {
		port = 9011
	}
	prefix := "/VXAPI"
	if cfg.UsesAPIPrefix() {
		prefix = "/api"
	}
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultTokenRefreshLimit
	}

	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	return &Client{
		baseURL:    baseURL,
		prefix:     prefix,
		deviceID:   cfg.DeviceID,
		maxRetries: retries,
		wxid:       cfg.Wxid,
		fetch: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(retries).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(3 * time.Second),
		send: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Wxid() string { return c.wxid }

// Endpoint normalizes an endpoint and prepends the protocol prefix.
func (c *Client) Endpoint(endpoint string) string {
	return c.prefix + normalizeEndpoint(endpoint)
}

func normalizeEndpoint(endpoint string) string {
	ep := strings.ReplaceAll(strings.TrimSpace(endpoint), "\\", "/")
	if !strings.HasPrefix(ep, "/") {
		ep = "/" + ep
	}
	return ep
}

// Call POSTs params to endpoint and decodes the envelope. When the gateway
// reports an expired token, the token is refreshed and the call retried up
// to maxRetries times. On an unsuccessful envelope both the Response and an
// *APIError are returned.
func (c *Client) Call(ctx context.Context, endpoint string, params map[string]interface{}) (*Response, error) {
	endpoint = normalizeEndpoint(endpoint)

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, endpoint, params)
		if err != nil {
			return nil, err
		}

		apiErr := resp.Err()
		if apiErr == nil {
			return resp, nil
		}

		var e *APIError
		if errors.As(apiErr, &e) && e.IsTokenExpired() && endpoint != EndpointRefreshToken && attempt < c.maxRetries {
			logger.WarnCF("gateway", "Token expired, refreshing", map[string]interface{}{
				"endpoint": endpoint,
				"attempt":  attempt + 1,
				"code":     e.Code,
			})
			if rerr := c.RefreshToken(ctx); rerr != nil {
				logger.ErrorCF("gateway", "Token refresh failed", map[string]interface{}{
					"error": rerr.Error(),
				})
				return resp, apiErr
			}
			continue
		}

		return resp, apiErr
	}
}

func (c *Client) do(ctx context.Context, endpoint string, params map[string]interface{}) (*Response, error) {
	hc := c.send
	if idempotentEndpoints[endpoint] {
		hc = c.fetch
	}

	req := hc.R().SetContext(ctx)
	if formEndpoints[endpoint] {
		req.SetFormData(c.formParams(params))
	} else {
		if params == nil {
			params = map[string]interface{}{}
		}
		req.SetHeader("Content-Type", "application/json").SetBody(params)
	}

	path := c.Endpoint(endpoint)
	logger.DebugCF("gateway", "Calling gateway", map[string]interface{}{
		"path": path,
	})

	r, err := req.Post(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	if r.StatusCode() != http.StatusOK {
		return nil, &StatusError{
			Endpoint:   endpoint,
			StatusCode: r.StatusCode(),
			Body:       utils.Truncate(string(r.Body()), 200),
		}
	}

	body := r.Body()
	if !gjson.ValidBytes(body) && isBinaryContentType(r.Header().Get("Content-Type")) {
		return &Response{Endpoint: endpoint, Raw: body, Success: true, Binary: true}, nil
	}

	resp := decodeEnvelope(endpoint, body)
	if !resp.Success {
		logger.DebugCF("gateway", "Gateway reported failure", map[string]interface{}{
			"endpoint": endpoint,
			"code":     resp.Code,
			"message":  resp.Message,
		})
	}
	return resp, nil
}

// formParams sends the account id under both spellings; login endpoints
// differ between gateway builds in which one they read.
func (c *Client) formParams(params map[string]interface{}) map[string]string {
	form := make(map[string]string, len(params)+2)
	for k, v := range params {
		form[k] = fmt.Sprint(v)
	}
	wxid := form["wxid"]
	if wxid == "" {
		wxid = form["Wxid"]
	}
	if wxid == "" {
		wxid = c.Wxid()
	}
	if wxid != "" {
		form["wxid"] = wxid
		form["Wxid"] = wxid
	}
	return form
}

func isBinaryContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "application/octet-stream") || strings.HasPrefix(ct, "image/")
}

// WaitReady blocks until the gateway answers any HTTP request, or returns
// ErrGatewayUnreachable once timeout has elapsed.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	probe := resty.New().SetBaseURL(c.baseURL).SetTimeout(3 * time.Second)

	for {
		_, err := probe.R().SetContext(ctx).Get(c.prefix + "/")
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w at %s: %v", ErrGatewayUnreachable, c.baseURL, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) RefreshToken(ctx context.Context) error {
	params := map[string]interface{}{"wxid": c.Wxid()}
	if c.deviceID != "" {
		params["device_id"] = c.deviceID
	}
	_, err := c.Call(ctx, EndpointRefreshToken, params)
	return err
}

// Sync pulls the next batch of new messages. An empty batch is not an error.
func (c *Client) Sync(ctx context.Context) ([]gjson.Result, error) {
	resp, err := c.Call(ctx, EndpointSync, map[string]interface{}{
		"Wxid":    c.Wxid(),
		"Scene":   0,
		"Synckey": "",
	})
	if err != nil {
		return nil, err
	}

	for _, path := range []string{"AddMsgs", "addMsgs", "List"} {
		if msgs := resp.Data.Get(path); msgs.IsArray() {
			return msgs.Array(), nil
		}
	}
	if resp.Data.IsArray() {
		return resp.Data.Array(), nil
	}
	if msgs := resp.Get("AddMsgs"); msgs.IsArray() {
		return msgs.Array(), nil
	}
	return nil, nil
}

func (c *Client) Heartbeat(ctx context.Context) (*Response, error) {
	return c.Call(ctx, EndpointHeartBeat, map[string]interface{}{"wxid": c.Wxid()})
}

// SelfInfo is the logged-in account as reported by the gateway.
type SelfInfo struct {
	Wxid     string
	Nickname string
}

func (c *Client) GetSelfInfo(ctx context.Context) (SelfInfo, error) {
	resp, err := c.Call(ctx, EndpointSelfInfo, map[string]interface{}{"wxid": c.Wxid()})
	if err != nil {
		return SelfInfo{}, err
	}
	info := resp.Data
	if u := firstResult(info, "userInfo", "UserInfo"); u.IsObject() {
		info = u
	}
	return SelfInfo{
		Wxid:     unwrapString(firstResult(info, "UserName", "userName", "wxid", "Wxid")),
		Nickname: unwrapString(firstResult(info, "NickName", "nickName", "nickname")),
	}, nil
}

func (c *Client) SendText(ctx context.Context, toWxid, content string, at []string) (*Response, error) {
	return c.Call(ctx, EndpointSendText, map[string]interface{}{
		"ToWxid":  toWxid,
		"Content": content,
		"Type":    1,
		"wxid":    c.Wxid(),
		"At":      strings.Join(at, ","),
	})
}

func (c *Client) SendImage(ctx context.Context, toWxid string, data []byte) (*Response, error) {
	return c.Call(ctx, EndpointUploadImage, map[string]interface{}{
		"ToWxid": toWxid,
		"Base64": base64.StdEncoding.EncodeToString(data),
		"Wxid":   c.Wxid(),
	})
}

func (c *Client) SendApp(ctx context.Context, toWxid, xml string, appType int) (*Response, error) {
	return c.Call(ctx, EndpointSendApp, map[string]interface{}{
		"ToWxid": toWxid,
		"Xml":    xml,
		"Type":   appType,
		"wxid":   c.Wxid(),
	})
}

func (c *Client) GetChatRoomInfo(ctx context.Context, groupID string) (*Response, error) {
	return c.Call(ctx, EndpointChatRoomInfo, map[string]interface{}{
		"QID":  groupID,
		"Wxid": c.Wxid(),
	})
}

func (c *Client) GetChatRoomMemberDetail(ctx context.Context, groupID string) (*Response, error) {
	return c.Call(ctx, EndpointChatRoomMembers, map[string]interface{}{
		"QID":  groupID,
		"wxid": c.Wxid(),
	})
}

// ChunkRequest addresses one section of an image held by the gateway.
type ChunkRequest struct {
	MsgID    string
	ToWxid   string
	Wxid     string
	TotalLen int64
	StartPos int64
	DataLen  int64
	AESKey   string
}

func (c *Client) DownloadImageChunk(ctx context.Context, req ChunkRequest) (*Response, error) {
	wxid := req.Wxid
	if wxid == "" {
		wxid = c.Wxid()
	}

	var msgID interface{} = req.MsgID
	if n, err := strconv.ParseInt(req.MsgID, 10, 64); err == nil {
		msgID = n
	}

	params := map[string]interface{}{
		"MsgId":        msgID,
		"ToWxid":       req.ToWxid,
		"Wxid":         wxid,
		"DataLen":      req.TotalLen,
		"CompressType": 0,
		"Section": map[string]interface{}{
			"StartPos": req.StartPos,
			"DataLen":  req.DataLen,
		},
	}
	if req.AESKey != "" {
		params["Aeskey"] = req.AESKey
	}

	return c.Call(ctx, EndpointDownloadImage, params)
}
