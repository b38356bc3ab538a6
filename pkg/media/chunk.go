package media

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sipeed/wxclaw/pkg/gateway"
)

// Gateway builds disagree on where a chunk lives; these are tried in order.
var (
	chunkDataPaths = []string{"buffer", "data.buffer", "Chunk", "Image", "Data", "FileData"}
	chunkRootPaths = []string{"data", "Data", "FileData", "Image"}
)

// decodeChunk extracts the chunk bytes from a DownloadImg response.
func decodeChunk(resp *gateway.Response) ([]byte, error) {
	if resp == nil {
		return nil, ErrEmptyPayload
	}
	if resp.Binary {
		return resp.Raw, nil
	}

	var candidates []gjson.Result
	for _, p := range chunkDataPaths {
		candidates = append(candidates, resp.Data.Get(p))
	}
	candidates = append(candidates, resp.Data)
	for _, p := range chunkRootPaths {
		candidates = append(candidates, resp.Get(p))
	}

	for _, c := range candidates {
		if c.IsObject() && c.Get("buffer").Exists() {
			c = c.Get("buffer")
		}
		switch {
		case c.Type == gjson.String && strings.TrimSpace(c.Str) != "":
			return decodeBase64(c.Str)
		case c.IsArray() && len(c.Array()) > 0:
			return decodeByteArray(c)
		}
	}
	return nil, ErrEmptyPayload
}

func decodeByteArray(v gjson.Result) ([]byte, error) {
	items := v.Array()
	out := make([]byte, 0, len(items))
	for i, item := range items {
		if item.Type != gjson.Number || item.Num < 0 || item.Num > 255 {
			return nil, fmt.Errorf("%w: byte %d is not in 0..255", ErrChunkDecode, i)
		}
		out = append(out, byte(item.Int()))
	}
	return out, nil
}

// decodeBase64 tolerates whitespace, data URL prefixes and missing padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx >= 0 {
			s = s[idx+1:]
		}
	}
	if pad := (4 - len(s)%4) % 4; pad > 0 {
		s += strings.Repeat("=", pad)
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	if b, uerr := base64.URLEncoding.DecodeString(s); uerr == nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrChunkDecode, err)
}
