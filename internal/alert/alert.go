// Package alert turns terminal engine outcomes into admin-chat messages.
//
// It subscribes to the event bus rather than hooking the engine directly,
// so the engine stays unaware of where (or whether) alerts go.
package alert

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"checkinbot/internal/engine"
	"checkinbot/internal/eventbus"
	logx "checkinbot/pkg/logx"
)

// Messenger is the outbound side: deliver one plain text to one chat.
// The Telegram adapter satisfies it.
type Messenger interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	Enabled    bool
	ChatID     int64
	RatePerMin int
}

// Service forwards exhausted / window-missed / tick-failure events to the
// configured admin chat. Bursts beyond the rate limit are dropped, not
// queued; an operator who missed an alert still has the log and journal.
type Service struct {
	cfg Config
	msg Messenger
	bus *eventbus.Bus
	log logx.Logger
	lim *rate.Limiter
}

func New(cfg Config, msg Messenger, bus *eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 10
	}
	return &Service{
		cfg: cfg,
		msg: msg,
		bus: bus,
		log: log,
		lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
	}
}

func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.cfg.ChatID != 0 && s.msg != nil && s.bus != nil
}

// Run consumes bus events until ctx ends. Meant to be supervised.
func (s *Service) Run(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	events, unsub := s.bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			text, wanted := formatEvent(e)
			if !wanted {
				continue
			}
			if !s.lim.Allow() {
				s.log.Debug("alert dropped (rate limited)", logx.String("type", e.Type))
				continue
			}
			if err := s.msg.Notify(ctx, s.cfg.ChatID, text); err != nil {
				s.log.Warn("alert delivery failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// formatEvent renders the alert text; only bad-news events are wanted.
func formatEvent(e eventbus.Event) (string, bool) {
	switch e.Type {
	case engine.EventExhausted:
		res, ok := e.Data.(engine.StepResult)
		if !ok {
			return "", false
		}
		msg := fmt.Sprintf("⚠️ check-in gave up for today: %s after %d attempt(s)", res.Target, res.Attempts)
		if res.Err != "" {
			msg += "\nlast error: " + res.Err
		}
		return msg, true
	case engine.EventWindowMissed:
		res, ok := e.Data.(engine.StepResult)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("⚠️ no feasible send time today for %s (window already over)", res.Target), true
	case engine.EventTickError:
		return fmt.Sprintf("🛑 tick failed: %v", e.Data), true
	default:
		return "", false
	}
}
