package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"pollbot/internal/eventbus"
	"pollbot/internal/transport"
	logx "pollbot/pkg/logx"
)

var ErrNoTransport = errors.New("poller: no transport")

const (
	DefaultLimit   = 100
	DefaultTimeout = 10 * time.Second
)

// Dispatcher receives updates one at a time, in id order. It must not
// retain the update past the call.
type Dispatcher interface {
	Dispatch(ctx context.Context, up transport.Update)
}

type DispatcherFunc func(ctx context.Context, up transport.Update)

func (f DispatcherFunc) Dispatch(ctx context.Context, up transport.Update) { f(ctx, up) }

// IterationHook runs after every successful fetch, including empty ones.
type IterationHook func(ctx context.Context, st Stats)

type Stats struct {
	Cursor      int64     `json:"cursor"`
	Batches     uint64    `json:"batches"`
	Dispatched  uint64    `json:"dispatched"`
	Skipped     uint64    `json:"skipped"`
	FetchErrors uint64    `json:"fetch_errors"`
	LastFetchAt time.Time `json:"last_fetch_at"`
}

// BatchEvent is the payload of eventbus.TypePollBatch.
type BatchEvent struct {
	Count  int
	Cursor int64
}

type Option func(*Loop)

// WithLimit sets the max updates per fetch, clamped to 1..100.
func WithLimit(n int) Option {
	return func(l *Loop) {
		switch {
		case n < 1:
			n = 1
		case n > 100:
			n = 100
		}
		l.limit = n
	}
}

// WithTimeout sets the long-poll wait. Zero means short polling.
func WithTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.timeout = d
		}
	}
}

func WithAllowed(kinds []string) Option {
	return func(l *Loop) { l.allowed = append([]string(nil), kinds...) }
}

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

func WithBus(b eventbus.Bus) Option {
	return func(l *Loop) {
		if b != nil {
			l.bus = b
		}
	}
}

func WithIterationHook(h IterationHook) Option { return func(l *Loop) { l.hook = h } }

// Loop pulls updates and dispatches each exactly once (or not at all).
// A Loop owns its cursor and must be driven by a single goroutine.
type Loop struct {
	fetcher    transport.Fetcher
	dispatcher Dispatcher

	limit   int
	timeout time.Duration
	allowed []string
	log     logx.Logger
	bus     eventbus.Bus
	hook    IterationHook

	cursor      Cursor
	batches     atomic.Uint64
	dispatched  atomic.Uint64
	skipped     atomic.Uint64
	fetchErrors atomic.Uint64
	lastFetch   atomic.Int64
}

func New(f transport.Fetcher, d Dispatcher, opts ...Option) (*Loop, error) {
	if f == nil {
		return nil, ErrNoTransport
	}
	if d == nil {
		return nil, errors.New("poller: no dispatcher")
	}
	l := &Loop{
		fetcher:    f,
		dispatcher: d,
		limit:      DefaultLimit,
		timeout:    DefaultTimeout,
		log:        logx.Nop(),
		bus:        eventbus.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Cursor returns the current cursor value.
func (l *Loop) Cursor() int64 { return l.cursor.Value() }

func (l *Loop) Stats() Stats {
	st := Stats{
		Cursor:      l.cursor.Value(),
		Batches:     l.batches.Load(),
		Dispatched:  l.dispatched.Load(),
		Skipped:     l.skipped.Load(),
		FetchErrors: l.fetchErrors.Load(),
	}
	if ns := l.lastFetch.Load(); ns > 0 {
		st.LastFetchAt = time.Unix(0, ns)
	}
	return st
}

// Initialize skips the backlog: it asks for the newest pending update only
// and moves the cursor past it without dispatching. With nothing pending the
// cursor stays at zero. A failure leaves the loop usable.
func (l *Loop) Initialize(ctx context.Context) error {
	ups, err := l.fetcher.FetchUpdates(ctx, transport.FetchRequest{Offset: -1, Limit: 1, Timeout: 0, Allowed: l.allowed})
	if err != nil {
		l.log.Warn("fast-forward failed", logx.Err(err))
		return fmt.Errorf("poller: fast-forward: %w", err)
	}
	for _, up := range ups {
		l.cursor.Observe(up.ID)
	}
	l.log.Info("fast-forwarded", logx.Int64("cursor", l.cursor.Value()), logx.Int("skipped", len(ups)))
	return nil
}

// Run drives Step until ctx is cancelled, then returns nil. Fetch errors are
// logged and the same cursor is fetched again; pacing after failures is the
// transport's job.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("poll loop started", logx.Int64("cursor", l.cursor.Value()))
	defer l.log.Info("poll loop stopped", logx.Int64("cursor", l.cursor.Value()))
	for ctx.Err() == nil {
		_, _ = l.Step(ctx)
	}
	return nil
}

// Step performs one fetch and dispatches the batch. It returns how many
// updates were handed to the dispatcher.
func (l *Loop) Step(ctx context.Context) (int, error) {
	ups, err := l.fetcher.FetchUpdates(ctx, transport.FetchRequest{
		Offset:  l.cursor.Value(),
		Limit:   l.limit,
		Timeout: l.timeout,
		Allowed: l.allowed,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.fetchErrors.Add(1)
		l.log.Warn("fetch failed", logx.Int64("cursor", l.cursor.Value()), logx.String("kind", transport.KindOf(err).String()), logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeFetchFailed, Data: err.Error()})
		return 0, err
	}
	l.lastFetch.Store(time.Now().UnixNano())

	sort.SliceStable(ups, func(i, j int) bool { return ups[i].ID < ups[j].ID })

	n := 0
	for _, up := range ups {
		if ctx.Err() != nil {
			break
		}
		// Advance before the handler runs so a failing handler is never re-fed.
		if !l.cursor.Observe(up.ID) {
			l.skipped.Add(1)
			l.log.Debug("update below cursor ignored", logx.Int64("id", up.ID), logx.Int64("cursor", l.cursor.Value()))
			continue
		}
		l.dispatch(ctx, up)
		n++
	}

	l.batches.Add(1)
	l.dispatched.Add(uint64(n))
	if len(ups) > 0 {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypePollBatch, Data: BatchEvent{Count: n, Cursor: l.cursor.Value()}})
	}
	if l.hook != nil {
		l.hook(ctx, l.Stats())
	}
	return n, nil
}

func (l *Loop) dispatch(ctx context.Context, up transport.Update) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatcher panicked", logx.Int64("id", up.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	l.dispatcher.Dispatch(ctx, up)
}
