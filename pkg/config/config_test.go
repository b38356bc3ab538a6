package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	wx := cfg.Channels.WX849
	if wx.APIPort != 9011 {
		t.Fatalf("api_port = %d, want 9011", wx.APIPort)
	}
	if len(wx.SingleChatPrefix) != 1 || wx.SingleChatPrefix[0] != "" {
		t.Fatalf("single_chat_prefix = %q, want [\"\"]", wx.SingleChatPrefix)
	}
	if !wx.GroupNameWhiteList.Contains("ALL_GROUP") {
		t.Fatalf("group_name_white_list = %q, want ALL_GROUP", wx.GroupNameWhiteList)
	}
	if cfg.Media.ChunkSize != 65536 {
		t.Fatalf("chunk_size = %d, want 65536", cfg.Media.ChunkSize)
	}
	if cfg.CacheTTL() != 7*24*time.Hour {
		t.Fatalf("CacheTTL() = %v, want 168h", cfg.CacheTTL())
	}
}

func TestLoadConfig_FileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "workspace": "/srv/wxclaw",
  "channels": {
    "wx849": {
      "enabled": true,
      "wxid": "wxid_bot",
      "bot_name": "小助手",
      "protocol_version": "ipad",
      "group_chat_prefix": ["/ask ", 42],
      "allow_from": "wxid_owner"
    }
  }
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("WXCLAW_CHANNELS_WX849_API_PORT", "9000")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	wx := cfg.Channels.WX849
	if !wx.Enabled || wx.Wxid != "wxid_bot" || wx.BotName != "小助手" {
		t.Fatalf("unexpected wx849 config: %+v", wx)
	}
	if wx.APIPort != 9000 {
		t.Fatalf("api_port = %d, want env override 9000", wx.APIPort)
	}
	if !wx.UsesAPIPrefix() {
		t.Fatal("ipad protocol should use the /api prefix")
	}
	if len(wx.GroupChatPrefix) != 2 || wx.GroupChatPrefix[1] != "42" {
		t.Fatalf("group_chat_prefix = %q", wx.GroupChatPrefix)
	}
	if len(wx.AllowFrom) != 1 || wx.AllowFrom[0] != "wxid_owner" {
		t.Fatalf("allow_from = %q", wx.AllowFrom)
	}
	if got := cfg.ImageCacheDir(); got != filepath.Join("/srv/wxclaw", "tmp", "images") {
		t.Fatalf("ImageCacheDir() = %q", got)
	}
	if got := cfg.RoomsFilePath(); got != filepath.Join("/srv/wxclaw", "tmp", "wx849_rooms.json") {
		t.Fatalf("RoomsFilePath() = %q", got)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestSaveConfig_RoundTripPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Channels.WX849.Wxid = "wxid_saved"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("perm = %o, want 0600", perm)
	}

	data, _ := os.ReadFile(path)
	var decoded Config
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if decoded.Channels.WX849.Wxid != "wxid_saved" {
		t.Fatalf("wxid = %q, want wxid_saved", decoded.Channels.WX849.Wxid)
	}
}

func TestUsesAPIPrefix(t *testing.T) {
	for version, want := range map[string]bool{"849": false, "855": true, "iPad": true, "": false} {
		if got := (WX849Config{ProtocolVersion: version}).UsesAPIPrefix(); got != want {
			t.Fatalf("UsesAPIPrefix(%q) = %v, want %v", version, got, want)
		}
	}
}
