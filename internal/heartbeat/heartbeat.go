// Package heartbeat posts a fixed status line on a cron schedule.
package heartbeat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pollbot/internal/eventbus"
	"pollbot/internal/notifier"
	logx "pollbot/pkg/logx"
)

// tickTimeout bounds one delivery so a stuck send cannot pile up ticks.
const tickTimeout = 30 * time.Second

// Notifier is what a heartbeat posts through; *notifier.Channel satisfies it.
type Notifier interface {
	Notify(ctx context.Context, message string) (notifier.Result, error)
}

type Config struct {
	Schedule string
	Text     string
}

type Service struct {
	cfg    Config
	out    Notifier
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses the schedule eagerly so a bad schedule fails at startup.
func New(cfg Config, out Notifier, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if out == nil {
		return nil, errors.New("heartbeat: nil notifier")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:    cfg,
		out:    out,
		log:    log,
		bus:    bus,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if _, err := s.parser.Parse(strings.TrimSpace(cfg.Schedule)); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing on the schedule. Calling it twice is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	c := cron.New(cron.WithParser(s.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	ctx := s.ctx
	if _, err := c.AddFunc(strings.TrimSpace(s.cfg.Schedule), func() {
		tctx, cancel := context.WithTimeout(ctx, tickTimeout)
		defer cancel()
		_ = s.Tick(tctx)
	}); err != nil {
		s.cancel()
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("heartbeat started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running tick, up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Tick posts one heartbeat now.
func (s *Service) Tick(ctx context.Context) error {
	res, err := s.out.Notify(ctx, s.text())
	if err != nil {
		if errors.Is(err, notifier.ErrDisabled) || errors.Is(err, notifier.ErrInvalid) {
			s.log.Debug("heartbeat skipped", logx.Err(err))
			return nil
		}
		s.log.Warn("heartbeat failed", logx.Err(err))
		return err
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeHeartbeatEmitted,
		Time: time.Now(),
		Data: res,
	})
	s.log.Debug("heartbeat sent", logx.String("action", string(res.Action)), logx.Int("repeat", res.Repeat))
	return nil
}

func (s *Service) text() string {
	if t := strings.TrimSpace(s.cfg.Text); t != "" {
		return t
	}
	return "heartbeat: alive"
}
