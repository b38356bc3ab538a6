package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "wxid_abc" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// A bare string is accepted as a single entry.
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = FlexibleStringSlice{single}
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Contains reports whether s is one of the entries.
func (f FlexibleStringSlice) Contains(s string) bool {
	for _, v := range f {
		if v == s {
			return true
		}
	}
	return false
}

type Config struct {
	Workspace string         `json:"workspace" env:"WXCLAW_WORKSPACE"`
	Channels  ChannelsConfig `json:"channels"`
	Media     MediaConfig    `json:"media"`
	Groups    GroupsConfig   `json:"groups"`
	Log       LogConfig      `json:"log"`
	mu        sync.RWMutex
}

type ChannelsConfig struct {
	WX849 WX849Config `json:"wx849"`
}

type WX849Config struct {
	Enabled                bool                `json:"enabled" env:"WXCLAW_CHANNELS_WX849_ENABLED"`
	Debug                  bool                `json:"debug" env:"WXCLAW_CHANNELS_WX849_DEBUG"`
	APIHost                string              `json:"api_host" env:"WXCLAW_CHANNELS_WX849_API_HOST"`
	APIPort                int                 `json:"api_port" env:"WXCLAW_CHANNELS_WX849_API_PORT"`
	ProtocolVersion        string              `json:"protocol_version" env:"WXCLAW_CHANNELS_WX849_PROTOCOL_VERSION"`
	Wxid                   string              `json:"wxid" env:"WXCLAW_CHANNELS_WX849_WXID"`
	DeviceID               string              `json:"device_id" env:"WXCLAW_CHANNELS_WX849_DEVICE_ID"`
	BotName                string              `json:"bot_name" env:"WXCLAW_CHANNELS_WX849_BOT_NAME"`
	WSUrl                  string              `json:"ws_url" env:"WXCLAW_CHANNELS_WX849_WS_URL"`
	AccessToken            string              `json:"access_token" env:"WXCLAW_CHANNELS_WX849_ACCESS_TOKEN"`
	PollIntervalMS         int                 `json:"poll_interval_ms" env:"WXCLAW_CHANNELS_WX849_POLL_INTERVAL_MS"`
	ErrorBackoffSeconds    int                 `json:"error_backoff_seconds" env:"WXCLAW_CHANNELS_WX849_ERROR_BACKOFF_SECONDS"`
	RequestTimeoutSeconds  int                 `json:"request_timeout_seconds" env:"WXCLAW_CHANNELS_WX849_REQUEST_TIMEOUT_SECONDS"`
	MaxRetries             int                 `json:"max_retries" env:"WXCLAW_CHANNELS_WX849_MAX_RETRIES"`
	StartupProbeSeconds    int                 `json:"startup_probe_seconds" env:"WXCLAW_CHANNELS_WX849_STARTUP_PROBE_SECONDS"`
	SingleChatPrefix       FlexibleStringSlice `json:"single_chat_prefix" env:"WXCLAW_CHANNELS_WX849_SINGLE_CHAT_PREFIX"`
	GroupChatPrefix        FlexibleStringSlice `json:"group_chat_prefix" env:"WXCLAW_CHANNELS_WX849_GROUP_CHAT_PREFIX"`
	GroupChatKeyword       FlexibleStringSlice `json:"group_chat_keyword" env:"WXCLAW_CHANNELS_WX849_GROUP_CHAT_KEYWORD"`
	GroupNameWhiteList     FlexibleStringSlice `json:"group_name_white_list" env:"WXCLAW_CHANNELS_WX849_GROUP_NAME_WHITE_LIST"`
	SpeechRecognition      bool                `json:"speech_recognition" env:"WXCLAW_CHANNELS_WX849_SPEECH_RECOGNITION"`
	GroupSpeechRecognition bool                `json:"group_speech_recognition" env:"WXCLAW_CHANNELS_WX849_GROUP_SPEECH_RECOGNITION"`
	DedupTTLSeconds        int                 `json:"dedup_ttl_seconds" env:"WXCLAW_CHANNELS_WX849_DEDUP_TTL_SECONDS"`
	MaxMessageAgeSeconds   int                 `json:"max_message_age_seconds" env:"WXCLAW_CHANNELS_WX849_MAX_MESSAGE_AGE_SECONDS"`
	OfficialAccountPrefix  string              `json:"official_account_prefix" env:"WXCLAW_CHANNELS_WX849_OFFICIAL_ACCOUNT_PREFIX"`
	RecentImageTTLSeconds  int                 `json:"recent_image_ttl_seconds" env:"WXCLAW_CHANNELS_WX849_RECENT_IMAGE_TTL_SECONDS"`
	ShutdownGraceSeconds   int                 `json:"shutdown_grace_seconds" env:"WXCLAW_CHANNELS_WX849_SHUTDOWN_GRACE_SECONDS"`
	AllowFrom              FlexibleStringSlice `json:"allow_from" env:"WXCLAW_CHANNELS_WX849_ALLOW_FROM"`
}

// UsesAPIPrefix reports whether the gateway serves under /api instead of /VXAPI.
func (c WX849Config) UsesAPIPrefix() bool {
	switch strings.ToLower(strings.TrimSpace(c.ProtocolVersion)) {
	case "855", "ipad":
		return true
	}
	return false
}

type MediaConfig struct {
	CacheDir               string `json:"cache_dir" env:"WXCLAW_MEDIA_CACHE_DIR"`
	CacheTTLHours          int    `json:"cache_ttl_hours" env:"WXCLAW_MEDIA_CACHE_TTL_HOURS"`
	GCSchedule             string `json:"gc_schedule" env:"WXCLAW_MEDIA_GC_SCHEDULE"`
	StaleLockMinutes       int    `json:"stale_lock_minutes" env:"WXCLAW_MEDIA_STALE_LOCK_MINUTES"`
	ChunkSize              int    `json:"chunk_size" env:"WXCLAW_MEDIA_CHUNK_SIZE"`
	DownloadTimeoutSeconds int    `json:"download_timeout_seconds" env:"WXCLAW_MEDIA_DOWNLOAD_TIMEOUT_SECONDS"`
}

type GroupsConfig struct {
	RoomsFile       string `json:"rooms_file" env:"WXCLAW_GROUPS_ROOMS_FILE"`
	TTLHours        int    `json:"ttl_hours" env:"WXCLAW_GROUPS_TTL_HOURS"`
	RefreshSchedule string `json:"refresh_schedule" env:"WXCLAW_GROUPS_REFRESH_SCHEDULE"`
}

type LogConfig struct {
	Level string `json:"level" env:"WXCLAW_LOG_LEVEL"`
	File  string `json:"file" env:"WXCLAW_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.wxclaw/workspace",
		Channels: ChannelsConfig{
			WX849: WX849Config{
				Enabled:               false,
				APIHost:               "127.0.0.1",
				APIPort:               9011,
				ProtocolVersion:       "849",
				PollIntervalMS:        1000,
				ErrorBackoffSeconds:   5,
				RequestTimeoutSeconds: 60,
				MaxRetries:            2,
				StartupProbeSeconds:   30,
				SingleChatPrefix:      FlexibleStringSlice{""},
				GroupChatPrefix:       FlexibleStringSlice{},
				GroupChatKeyword:      FlexibleStringSlice{},
				GroupNameWhiteList:    FlexibleStringSlice{"ALL_GROUP"},
				DedupTTLSeconds:       3600,
				MaxMessageAgeSeconds:  300,
				OfficialAccountPrefix: "gh_",
				RecentImageTTLSeconds: 7200,
				ShutdownGraceSeconds:  10,
				AllowFrom:             FlexibleStringSlice{},
			},
		},
		Media: MediaConfig{
			CacheTTLHours:          168,
			GCSchedule:             "17 * * * *",
			StaleLockMinutes:       5,
			ChunkSize:              65536,
			DownloadTimeoutSeconds: 120,
		},
		Groups: GroupsConfig{
			TTLHours:        24,
			RefreshSchedule: "*/30 * * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// ImageCacheDir is where verified downloads land, {workspace}/tmp/images by default.
func (c *Config) ImageCacheDir() string {
	c.mu.RLock()
	dir := c.Media.CacheDir
	c.mu.RUnlock()
	if dir != "" {
		return expandHome(dir)
	}
	return filepath.Join(c.WorkspacePath(), "tmp", "images")
}

func (c *Config) RoomsFilePath() string {
	c.mu.RLock()
	p := c.Groups.RoomsFile
	c.mu.RUnlock()
	if p != "" {
		return expandHome(p)
	}
	return filepath.Join(c.WorkspacePath(), "tmp", "wx849_rooms.json")
}

func (c *Config) SchedulerStatePath() string {
	return filepath.Join(c.WorkspacePath(), "cron", "jobs.json")
}

func (c *Config) CacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return hoursOr(c.Media.CacheTTLHours, 168)
}

func (c *Config) GroupTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return hoursOr(c.Groups.TTLHours, 24)
}

func hoursOr(h, def int) time.Duration {
	if h <= 0 {
		h = def
	}
	return time.Duration(h) * time.Hour
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
