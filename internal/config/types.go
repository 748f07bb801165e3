package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultPollTimeout    = 10 * time.Second
	DefaultPollLimit      = 100
	DefaultSendRatePerSec = 25
	DefaultHeartbeatText  = "heartbeat: alive"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Notifier  NotifierConfig  `json:"notifier"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Debug     DebugConfig     `json:"debug"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	APIURL string `json:"api_url,omitempty"`

	// PollTimeout is a Go duration string. Default: 10s.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// PollLimit is clamped to 1..100. Default: 100.
	PollLimit      int      `json:"poll_limit,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
	// SkipBacklog drops updates queued while the bot was offline.
	SkipBacklog    bool    `json:"skip_backlog,omitempty"`
	SendRatePerSec int     `json:"send_rate_per_sec,omitempty"`
	OwnerUserIDs   []int64 `json:"owner_user_ids"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log records to the notifier chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig is the operator chat that receives notifications.
type NotifierConfig struct {
	Enabled  bool   `json:"enabled"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	BotName  string `json:"bot_name,omitempty"`
}

type HeartbeatConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec; descriptors such as "@every 1m" are accepted.
	Schedule string `json:"schedule"`
	Text     string `json:"text,omitempty"`
}

// DebugConfig is the optional pprof/state HTTP server.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

func (t TelegramConfig) PollTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, DefaultPollTimeout)
}

func (t TelegramConfig) Limit() int {
	switch {
	case t.PollLimit <= 0:
		return DefaultPollLimit
	case t.PollLimit > 100:
		return 100
	}
	return t.PollLimit
}

func (t TelegramConfig) SendRate() int {
	if t.SendRatePerSec <= 0 {
		return DefaultSendRatePerSec
	}
	return t.SendRatePerSec
}

func (h HeartbeatConfig) Message() string {
	if s := strings.TrimSpace(h.Text); s != "" {
		return s
	}
	return DefaultHeartbeatText
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required"))
	}
	if _, err := c.Telegram.PollTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Telegram.PollLimit < 0 {
		errs = append(errs, fmt.Errorf("telegram.poll_limit: must be >= 0, got %d", c.Telegram.PollLimit))
	}
	if c.Notifier.Enabled && c.Notifier.ChatID == 0 {
		errs = append(errs, errors.New("notifier.chat_id: required when notifier is enabled"))
	}
	if c.Logging.Telegram.Enabled && !c.Notifier.Enabled {
		errs = append(errs, errors.New("logging.telegram: requires notifier.enabled"))
	}
	if c.Heartbeat.Enabled {
		if !c.Notifier.Enabled {
			errs = append(errs, errors.New("heartbeat: requires notifier.enabled"))
		}
		if _, err := cron.ParseStandard(strings.TrimSpace(c.Heartbeat.Schedule)); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat.schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}
