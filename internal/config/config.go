package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pvdmeer/babbel/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	Chat   Chat   `json:"chat"`
	Call   Call   `json:"call"`
}

type Server struct {
	// Websocket URL of the realtime channel, e.g. ws://localhost:8000/ws.
	URL string `json:"url"`
}

type Chat struct {
	// Typing indicator windows, milliseconds. See internal/typing.
	TypingThrottleMs int `json:"typing_throttle_ms"`
	TypingIdleMs     int `json:"typing_idle_ms"`
	TypingExpiryMs   int `json:"typing_expiry_ms"`

	// Rows served from the local cache when a history fetch fails.
	// 0 = everything.
	CacheHistoryLimit int `json:"cache_history_limit"`

	// Disable the local SQLite message cache entirely.
	CacheDisabled bool `json:"cache_disabled"`
}

type Call struct {
	// STUN servers for ICE gathering. Empty = built-in default.
	STUNServers []string `json:"stun_servers"`
}

func Default() Config {
	return Config{
		Server: Server{
			URL: "ws://127.0.0.1:8000/ws",
		},
		Chat: Chat{
			TypingThrottleMs:  800,
			TypingIdleMs:      1500,
			TypingExpiryMs:    3000,
			CacheHistoryLimit: 0,
		},
		Call: Call{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

func (c *Config) Validate() error {
	raw := strings.TrimSpace(c.Server.URL)
	if raw == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("server.url must use ws:// or wss://")
	}

	if c.Chat.TypingThrottleMs <= 0 {
		return errors.New("chat.typing_throttle_ms must be > 0")
	}
	if c.Chat.TypingIdleMs <= 0 {
		return errors.New("chat.typing_idle_ms must be > 0")
	}
	if c.Chat.TypingExpiryMs < c.Chat.TypingIdleMs {
		return errors.New("chat.typing_expiry_ms must be >= chat.typing_idle_ms")
	}
	if c.Chat.CacheHistoryLimit < 0 {
		return errors.New("chat.cache_history_limit must be >= 0")
	}

	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must start with stun: or turn:", s)
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
