package wechat

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrInvalidPayload = errors.New("payload is not a JSON object")

// RawPayload is one message object as delivered by the gateway. Field names
// vary in case between gateway builds and any value may arrive wrapped as
// {"string": value}, so all lookups go through candidate lists.
type RawPayload struct {
	v gjson.Result
}

func ParsePayload(data []byte) (RawPayload, error) {
	if !gjson.ValidBytes(data) {
		return RawPayload{}, ErrInvalidPayload
	}
	return NewPayload(gjson.ParseBytes(data))
}

func NewPayload(v gjson.Result) (RawPayload, error) {
	if !v.IsObject() {
		return RawPayload{}, ErrInvalidPayload
	}
	return RawPayload{v: v}, nil
}

func (p RawPayload) Raw() string { return p.v.Raw }

// Lookup returns the first candidate key present in the payload. Exact
// matches win over case-insensitive ones.
func (p RawPayload) Lookup(keys ...string) (gjson.Result, bool) {
	for _, k := range keys {
		if r := p.v.Get(gjson.Escape(k)); r.Exists() {
			return unwrap(r), true
		}
	}

	var found gjson.Result
	ok := false
	for _, k := range keys {
		p.v.ForEach(func(key, value gjson.Result) bool {
			if strings.EqualFold(key.String(), k) {
				found, ok = unwrap(value), true
				return false
			}
			return true
		})
		if ok {
			return found, true
		}
	}
	return gjson.Result{}, false
}

// String returns the first non-empty string among the candidate keys.
func (p RawPayload) String(keys ...string) string {
	for _, k := range keys {
		if r, ok := p.Lookup(k); ok {
			if s := strings.TrimSpace(r.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// Int64 accepts numbers and numeric strings.
func (p RawPayload) Int64(keys ...string) int64 {
	for _, k := range keys {
		r, ok := p.Lookup(k)
		if !ok {
			continue
		}
		switch r.Type {
		case gjson.Number:
			return r.Int()
		case gjson.String:
			if n, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// Strings reads a list that may be a JSON array or a comma separated string.
func (p RawPayload) Strings(keys ...string) []string {
	for _, k := range keys {
		r, ok := p.Lookup(k)
		if !ok {
			continue
		}
		var out []string
		if r.IsArray() {
			for _, item := range r.Array() {
				if s := strings.TrimSpace(unwrap(item).String()); s != "" {
					out = append(out, s)
				}
			}
		} else {
			out = splitList(r.String())
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func unwrap(r gjson.Result) gjson.Result {
	if r.IsObject() {
		if inner := r.Get("string"); inner.Exists() {
			return inner
		}
	}
	return r
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(strings.Trim(s, ","), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// extractor yields a candidate value; the first ok result wins.
type extractor func() (string, bool)

func firstOf(chain ...extractor) (string, bool) {
	for _, ex := range chain {
		if v, ok := ex(); ok {
			return v, true
		}
	}
	return "", false
}
