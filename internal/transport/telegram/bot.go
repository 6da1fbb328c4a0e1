// Package telegram delivers operator alerts to a Telegram chat and, when
// enabled, answers a few read-mostly ops commands from that chat.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "clinicjobs/internal/runtime/supervisor"
	"clinicjobs/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
	// Commands enables long polling for /jobs, /schedules and /sweep.
	Commands bool
}

// Ops is what the chat commands can see and do.
type Ops interface {
	JobsText() string
	SchedulesText() string
	TriggerSweep() error
}

type sendFunc func(to tele.Recipient, what any, opts ...any) (*tele.Message, error)

type Bot struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	send sendFunc

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: !cfg.Commands, // alert-only bots skip getMe at startup
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b, send: b.Send}, nil
}

// SendAlert posts text to the configured chat, split into Telegram-sized chunks.
func (b *Bot) SendAlert(ctx context.Context, text string) error {
	return b.sendText(ctx, text)
}

func (b *Bot) sendText(ctx context.Context, text string) error {
	chunks := splitText(text, textLimit)
	chat := &tele.Chat{ID: b.cfg.ChatID}
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: b.cfg.ThreadID}
		if _, err := b.send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// Start begins long polling when commands are enabled. It is idempotent.
func (b *Bot) Start(ctx context.Context, ops Ops) error {
	if !b.cfg.Commands {
		return nil
	}
	if ops == nil {
		return errors.New("telegram commands need ops")
	}

	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log))

	for _, cmd := range []string{"/jobs", "/schedules", "/sweep"} {
		cmd := cmd
		b.bot.Handle(cmd, func(c tele.Context) error {
			reply, ok := b.handle(c.Chat().ID, cmd, ops)
			if !ok {
				return nil
			}
			return c.Reply(reply)
		})
	}

	b.sup.Go0("telegram.stop-watch", func(ctx context.Context) {
		<-ctx.Done()
		b.bot.Stop()
	})
	b.sup.Go0("telegram.poll", func(context.Context) {
		b.log.Info("polling started")
		b.bot.Start() // blocks until Stop
	})
	return nil
}

// handle answers cmd for chatID. Only the configured chat is served.
func (b *Bot) handle(chatID int64, cmd string, ops Ops) (string, bool) {
	if chatID != b.cfg.ChatID {
		b.log.Warn("command from foreign chat ignored", logx.Int64("chat", chatID), logx.String("cmd", cmd))
		return "", false
	}
	switch cmd {
	case "/jobs":
		return ops.JobsText(), true
	case "/schedules":
		return ops.SchedulesText(), true
	case "/sweep":
		if err := ops.TriggerSweep(); err != nil {
			return "sweep failed: " + err.Error(), true
		}
		return "status sweep queued", true
	}
	return "", false
}

// Stop ends polling. It never blocks longer than a short grace window.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()

	if !wasRunning || sup == nil {
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
	if err := sup.Wait(wctx); err != nil {
		b.log.Warn("telegram stop timed out", logx.Err(err))
		return nil
	}
	b.log.Info("polling stopped")
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
