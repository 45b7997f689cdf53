// Package telegram delivers check-in messages over the Telegram Bot API
// (telebot long polling) and translates provider errors into the engine's
// failure taxonomy.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"checkinbot/internal/runtime/supervisor"
	"checkinbot/internal/send"
	logx "checkinbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter implements send.Sender on top of a long-polling telebot instance.
//
// Reply expectations need the poll loop: Send registers a waiter for the
// target chat before the message goes out, and the OnText handler feeds the
// next incoming message from that chat back to the waiting Send call.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	names   *usernames
	replies *replyRouter

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		names:   newUsernames(b),
		replies: newReplyRouter(),
	}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		at := m.Time()
		if at.IsZero() {
			at = time.Now()
		}
		if a.replies.deliver(m.Chat.ID, reply{text: m.Text, at: at}) {
			a.log.Debug("reply received",
				logx.Int64("chat", m.Chat.ID),
				logx.Int("len", len(m.Text)))
		}
		return nil
	})
}

// Start launches the poll loop. Required before any Send that carries a
// reply expectation; sends without expectations work either way.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)

	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; run it under a restart loop so a poll
	// loop that exits while the app is still running self-heals.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. It never blocks shutdown longer than a short grace
// window; a dangling long poll is the API's problem, not ours.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Send delivers one check-in message. With an expectation set it waits up to
// req.ExpectTimeout for the next text message from the target chat and
// matches it; the first reply decides, later ones are ignored.
func (a *Adapter) Send(ctx context.Context, req send.Request) (send.Result, error) {
	if err := ctx.Err(); err != nil {
		return send.Result{}, err
	}

	chatID, err := a.names.resolve(req.Target)
	if err != nil {
		return send.Result{}, translate(err)
	}

	var (
		replies <-chan reply
		cancel  func()
	)
	if req.HasExpectation() {
		// Register before sending so a reply that lands faster than our
		// round-trip isn't lost.
		replies, cancel, err = a.replies.expect(chatID)
		if err != nil {
			return send.Result{}, err
		}
		defer cancel()
	}

	if _, err := a.bot.Send(tele.ChatID(chatID), req.Text); err != nil {
		return send.Result{}, translate(err)
	}
	if !req.HasExpectation() {
		return send.Result{}, nil
	}

	timeout := req.ExpectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case <-ctx.Done():
		return send.Result{}, ctx.Err()
	case <-tmr.C:
		return send.Result{}, send.ErrReplyTimeout
	case rep := <-replies:
		res := send.Result{ReplyText: rep.text, ReplyAt: rep.at}
		if !req.Matches(rep.text) {
			return res, &send.ExpectError{Want: expectSummary(req), Got: strings.TrimSpace(rep.text)}
		}
		return res, nil
	}
}

// Notify sends a plain message to a known chat ID (alerts, not check-ins).
func (a *Adapter) Notify(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(chatID), text)
	return translate(err)
}

func expectSummary(req send.Request) string {
	if t := strings.TrimSpace(req.ExpectText); t != "" {
		return t
	}
	return "*" + strings.TrimSpace(req.ExpectKeyword) + "*"
}

// translate maps telebot errors onto the engine's taxonomy. Flood control
// becomes a FloodWaitError with the provider's retry hint; everything else
// passes through as a plain send error.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return send.FloodWait(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	return err
}
