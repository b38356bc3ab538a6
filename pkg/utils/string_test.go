package utils

import "testing"

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"你好世界你好世界", 5, "你好..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"3057020100044b30":  "3057020100044b30",
		"../../etc/passwd":  "passwd",
		"a b/c":             "c",
		"key with spaces":   "key_with_spaces",
		"..":                "_",
		"msg_123.jpg":       "msg_123.jpg",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Fatalf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripMarkdown(t *testing.T) {
	tests := map[string]string{
		"plain":                 "plain",
		"**重要** 提示":             "重要 提示",
		"a **b** and **c**":     "a b and c",
		"## 标题\n正文":            "标题\n正文",
		"#hashtag stays":        "#hashtag stays",
		"2*3 = 6, not **":       "2*3 = 6, not **",
		"line\n### sub\n**x**": "line\nsub\nx",
	}
	for in, want := range tests {
		if got := StripMarkdown(in); got != want {
			t.Fatalf("StripMarkdown(%q) = %q, want %q", in, got, want)
		}
	}
}
