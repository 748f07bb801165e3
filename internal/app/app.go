package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pollbot/internal/config"
	"pollbot/internal/eventbus"
	"pollbot/internal/heartbeat"
	"pollbot/internal/notifier"
	"pollbot/internal/observability/pprof"
	"pollbot/internal/poller"
	"pollbot/internal/runtime/supervisor"
	telegram "pollbot/internal/transport/telegram/adapter"
	"pollbot/internal/transport/telegram/router"
	logx "pollbot/pkg/logx"
	"pollbot/pkg/systemd"
)

// startupCallTimeout bounds each Telegram call made during Start.
const startupCallTimeout = 10 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *telegram.Adapter
	coal    *notifier.Coalescer
	channel *notifier.Channel
	router  *router.Dispatcher
	loop    *poller.Loop
	beat    *heartbeat.Service
	debug   *pprof.Service

	pollTimeout time.Duration
}

func debugConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{Enabled: cfg.Debug.Enabled, Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// New loads the config and builds every component. Nothing talks to
// Telegram until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := cfg.Telegram.PollTimeoutDuration()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		APIURL:         cfg.Telegram.APIURL,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRate(),
	}, root.With(logx.String("comp", "tg.adapter")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	coal := notifier.New(ad,
		notifier.WithLogger(root.With(logx.String("comp", "notifier"))),
		notifier.WithBus(bus),
	)
	coal.SetEnabled(cfg.Notifier.Enabled)
	channel := notifier.NewChannel(coal,
		notifier.Key{ChatID: cfg.Notifier.ChatID, ThreadID: cfg.Notifier.ThreadID},
		ad, cfg.Notifier.BotName)

	disp := router.New(ad,
		router.WithLogger(root.With(logx.String("comp", "router"))),
		router.WithOwners(cfg.Telegram.OwnerUserIDs),
	)

	loop, err := poller.New(ad, disp,
		poller.WithLimit(cfg.Telegram.Limit()),
		poller.WithTimeout(pollTimeout),
		poller.WithAllowed(cfg.Telegram.AllowedUpdates),
		poller.WithLogger(root.With(logx.String("comp", "poller"))),
		poller.WithBus(bus),
	)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		adapter:     ad,
		coal:        coal,
		channel:     channel,
		router:      disp,
		loop:        loop,
		pollTimeout: pollTimeout,
	}

	if cfg.Heartbeat.Enabled {
		beat, err := heartbeat.New(heartbeat.Config{
			Schedule: cfg.Heartbeat.Schedule,
			Text:     cfg.Heartbeat.Message(),
		}, channel, root.With(logx.String("comp", "heartbeat")), bus)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: %w", err)
		}
		a.beat = beat
	}

	a.debug = pprof.New(debugConfig(cfg), pprof.Hooks{
		Healthy: a.healthy,
		State:   func() any { return a.State() },
	}, root.With(logx.String("comp", "debug")))

	a.registerBuiltins()
	return a, nil
}

// Router exposes the dispatcher so callers can register more commands
// before Start.
func (a *App) Router() *router.Dispatcher { return a.router }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	callCtx, cancel := context.WithTimeout(ctx, startupCallTimeout)
	username, err := a.adapter.Username(callCtx)
	cancel()
	if err != nil {
		// Commands addressed to @someone are ignored until the name is known.
		a.log.Warn("bot username unknown", logx.Err(err))
	} else {
		a.router.SetUsername(username)
		if strings.TrimSpace(cfg.Notifier.BotName) == "" {
			a.channel.SetBotName(username)
		}
	}

	if cfg.Notifier.Enabled {
		callCtx, cancel := context.WithTimeout(ctx, startupCallTimeout)
		if err := a.channel.Validate(callCtx); err != nil {
			a.log.Warn("notifier destination invalid; notifications disabled", logx.Err(err))
		}
		cancel()
	}
	a.applySink(cfg)

	callCtx, cancel = context.WithTimeout(ctx, startupCallTimeout)
	if err := a.router.SyncMenu(callCtx); err != nil {
		a.log.Warn("command menu sync failed", logx.Err(err))
	}
	cancel()

	if cfg.Telegram.SkipBacklog {
		callCtx, cancel := context.WithTimeout(ctx, startupCallTimeout)
		if err := a.loop.Initialize(callCtx); err != nil {
			a.log.Warn("backlog skip failed; processing queued updates", logx.Err(err))
		} else {
			a.log.Info("backlog skipped", logx.Int64("cursor", a.loop.Cursor()))
		}
		cancel()
	}

	a.sup.GoRestart("poller", a.loop.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.debug.Start(a.sup.Context())

	if a.beat != nil {
		if err := a.beat.Start(); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
	}

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	if systemd.StartWatchdog(a.sup.Context(), a.sup, a.healthy) {
		a.log.Debug("systemd watchdog enabled", logx.Duration("every", systemd.WatchdogInterval()))
	}

	a.log.Info("app started", logx.String("username", a.router.Username()), logx.Int64("cursor", a.loop.Cursor()))
	return nil
}

// healthy is false when the supervisor failed or the poller has gone
// several poll periods without a successful fetch.
func (a *App) healthy() bool {
	if a.sup == nil || a.sup.Err() != nil {
		return false
	}
	last := a.loop.Stats().LastFetchAt
	if last.IsZero() {
		return true
	}
	return time.Since(last) < 3*(a.pollTimeout+telegramSlack)
}

const telegramSlack = 10 * time.Second

func (a *App) applySink(cfg *config.Config) {
	if cfg.Logging.Telegram.Enabled && a.channel.IsValid() {
		a.logs.SetSink(a.channel)
		return
	}
	a.logs.SetSink(nil)
}

// applyConfig updates the settings that take effect without a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", logx.String("settings", strings.Join(ch.RestartRequired, ",")))
	}
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no live changes)")
		return
	}

	a.logs.Apply(logConfig(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	if oldCfg.Notifier.Enabled != newCfg.Notifier.Enabled {
		a.coal.SetEnabled(newCfg.Notifier.Enabled)
		if newCfg.Notifier.Enabled && !a.channel.IsValid() {
			ctx, cancel := context.WithTimeout(a.sup.Context(), startupCallTimeout)
			if err := a.channel.Validate(ctx); err != nil {
				a.log.Warn("notifier destination invalid", logx.Err(err))
			}
			cancel()
		}
	}
	a.applySink(newCfg)
	a.debug.Reconfigure(a.sup.Context(), debugConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

func validateReload(_ context.Context, cfg *config.Config) error {
	var errs []error
	for _, id := range cfg.Telegram.OwnerUserIDs {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("telegram.owner_user_ids: invalid id %d", id))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	a.sup.Cancel()

	a.step(ctx, "heartbeat", 2*time.Second, func(c context.Context) error {
		if a.beat != nil {
			return a.beat.Stop(c)
		}
		return nil
	})
	a.step(ctx, "debug", time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	a.logs.SetSink(nil)
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
