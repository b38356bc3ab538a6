package gateway

import (
	"strings"

	"github.com/tidwall/gjson"
)

var tokenExpiredCodes = map[int64]bool{
	40014: true,
	40016: true,
	41001: true,
	42001: true,
	42002: true,
	42003: true,
}

var tokenExpiredMarkers = []string{
	"token expired",
	"invalid token",
	"token invalid",
	"access_token expired",
}

var loginRequiredMarkers = []string{
	"请先登录",
	"您已退出微信",
	"登录已失效",
	"Please login first",
}

// Response is a decoded gateway envelope.
type Response struct {
	Endpoint string
	Raw      []byte
	Success  bool
	Code     int64
	Message  string
	Data     gjson.Result
	// Binary is set when the gateway answered with a non-JSON body.
	Binary bool
}

// Err converts an unsuccessful envelope into an *APIError.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	return &APIError{Endpoint: r.Endpoint, Code: r.Code, Message: r.Message}
}

// Get looks up a path relative to the whole envelope.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Raw, path)
}

func decodeEnvelope(endpoint string, body []byte) *Response {
	resp := &Response{Endpoint: endpoint, Raw: body}
	if !gjson.ValidBytes(body) {
		resp.Message = "invalid JSON response"
		return resp
	}

	root := gjson.ParseBytes(body)
	resp.Data = firstResult(root, "Data", "data")
	resp.Message = firstResult(root, "Message", "message", "msg", "errMsg").String()
	resp.Code = firstResult(root, "Code", "code").Int()

	success := firstResult(root, "Success", "success")
	switch {
	case success.Exists():
		resp.Success = success.Bool()
	case resp.Code != 0:
		resp.Success = false
	default:
		resp.Success = true
	}

	// A nested BaseResponse overrides an optimistic Success flag.
	for _, path := range []string{"BaseResponse", "Data.BaseResponse"} {
		base := root.Get(path)
		if !base.Exists() {
			continue
		}
		ret := firstResult(base, "ret", "Ret").Int()
		if ret != 0 {
			resp.Success = false
			if resp.Code == 0 {
				resp.Code = ret
			}
			if msg := unwrapString(firstResult(base, "errMsg", "ErrMsg")); msg != "" {
				resp.Message = msg
			}
			break
		}
	}

	if resp.Success && isTokenExpired(resp.Code, resp.Message) {
		resp.Success = false
	}

	return resp
}

func isTokenExpired(code int64, message string) bool {
	if tokenExpiredCodes[code] {
		return true
	}
	return containsAny(strings.ToLower(message), tokenExpiredMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func firstResult(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// unwrapString handles the gateway's {"string": "..."} wrapping.
func unwrapString(v gjson.Result) string {
	if v.IsObject() {
		if s := v.Get("string"); s.Exists() {
			return s.String()
		}
	}
	return v.String()
}
