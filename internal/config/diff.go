package config

import (
	"reflect"
	"strings"

	logx "pollbot/pkg/logx"
)

// Change summarizes a reload for logging. Fields never carry secrets.
type Change struct {
	Sections []string
	Fields   []logx.Field
	// RestartRequired lists changed settings that only apply after a restart.
	RestartRequired []string
}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	ot, nt := oldCfg.Telegram, newCfg.Telegram

	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		ch.Sections = append(ch.Sections, "telegram.owners")
		ch.Fields = append(ch.Fields, logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}
	if ot.Token != nt.Token {
		ch.RestartRequired = append(ch.RestartRequired, "telegram.token")
	}
	if strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) {
		ch.RestartRequired = append(ch.RestartRequired, "telegram.api_url")
	}
	if ot.PollTimeout != nt.PollTimeout || ot.Limit() != nt.Limit() ||
		!reflect.DeepEqual(ot.AllowedUpdates, nt.AllowedUpdates) || ot.SendRate() != nt.SendRate() {
		ch.RestartRequired = append(ch.RestartRequired, "telegram.polling")
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	on, nn := oldCfg.Notifier, newCfg.Notifier
	if on.Enabled != nn.Enabled {
		ch.Sections = append(ch.Sections, "notifier.enabled")
		ch.Fields = append(ch.Fields, logx.Bool("notifier.enabled", nn.Enabled))
	}
	if on.ChatID != nn.ChatID || on.ThreadID != nn.ThreadID || on.BotName != nn.BotName {
		ch.RestartRequired = append(ch.RestartRequired, "notifier.destination")
	}

	if oldCfg.Debug != newCfg.Debug {
		ch.Sections = append(ch.Sections, "debug")
		ch.Fields = append(ch.Fields, logx.Bool("debug.enabled", newCfg.Debug.Enabled), logx.String("debug.addr", newCfg.Debug.Addr))
	}

	if oldCfg.Heartbeat != newCfg.Heartbeat {
		ch.RestartRequired = append(ch.RestartRequired, "heartbeat")
	}
	return ch
}
