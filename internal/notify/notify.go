// Package notify pushes terminal job transitions to a Telegram chat.
// It is entirely optional; a zero Notifier drops every message.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "claudeq/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// Notifier sends messages through a bounded queue so the scheduler
// never blocks on Telegram. Messages are dropped when the queue is
// full; job records remain the source of truth either way.
type Notifier struct {
	log     logx.Logger
	cfg     Config
	bot     *tele.Bot
	limiter *rate.Limiter

	queue chan string

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a notifier. Returns a disabled notifier (not an error)
// when cfg.Enabled is false so callers can use it unconditionally.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{log: log, cfg: cfg, done: make(chan struct{})}
	if !cfg.Enabled {
		close(n.done)
		return n, nil
	}
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, errors.New("notify: token and chat_id are required when enabled")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
		n.cfg = cfg
	}

	// Send-only: no poller attached, updates are never consumed.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	n.bot = bot
	n.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	n.queue = make(chan string, 64)
	return n, nil
}

func (n *Notifier) Enabled() bool { return n != nil && n.cfg.Enabled }

// Start launches the send loop. No-op when disabled.
func (n *Notifier) Start(ctx context.Context) {
	if !n.Enabled() {
		return
	}
	n.once.Do(func() {
		ctx, n.cancel = context.WithCancel(ctx)
		go n.loop(ctx)
	})
}

func (n *Notifier) Close() {
	if !n.Enabled() {
		return
	}
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done
}

// Notify enqueues a message. Drops when disabled or the queue is full.
func (n *Notifier) Notify(text string) {
	if !n.Enabled() || text == "" {
		return
	}
	select {
	case n.queue <- text:
	default:
		n.log.Warn("notify queue full, dropping message")
	}
}

// JobFinished formats and sends a terminal-transition message.
func (n *Notifier) JobFinished(id, status, summary string, elapsed time.Duration) {
	if !n.Enabled() {
		return
	}
	n.Notify(fmt.Sprintf("[%s] %s (%s) %s", id, status, elapsed.Round(time.Second), summary))
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)
	rcpt := tele.ChatID(n.cfg.ChatID)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := n.bot.Send(rcpt, text); err != nil {
				n.log.Warn("telegram send failed",
					logx.String("chat", strconv.FormatInt(n.cfg.ChatID, 10)),
					logx.Err(err))
			}
		}
	}
}
