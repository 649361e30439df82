// Package telegram is the chat-platform surface: a telebot.v4 long-polling
// bot exposing the mailing commands and the Yandex Disk re-auth flow.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "bdaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	DeliverAt   string // "HH:MM", only for user-facing texts
}

// Mailing is the part of the mailing service the command handlers use.
type Mailing interface {
	RegisterChat(ctx context.Context, chatID int64) (created bool, err error)
	UnregisterChat(ctx context.Context, chatID int64) (removed bool, err error)
	CachedBlocks() []string
	Preload(ctx context.Context) error
}

// DiskAuth is the part of the remote-storage client the /code flow uses.
type DiskAuth interface {
	CodeURL() string
	ExchangeCode(ctx context.Context, code string) (string, error)
	SetToken(token string)
	CheckToken(ctx context.Context) (bool, error)
}

// Deps are the collaborators behind the command handlers. PersistToken
// writes a freshly exchanged Disk token to durable secret storage.
type Deps struct {
	Mailing      Mailing
	Disk         DiskAuth
	PersistToken func(token string) error
}

type Bot struct {
	cfg  Config
	log  logx.Logger
	deps Deps

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	done    chan struct{}

	// base context for handler work; set on Start.
	ctxMu sync.Mutex
	ctx   context.Context
}

func New(cfg Config, deps Deps, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg, log: log, deps: deps, bot: tb, ctx: context.Background()}
	b.registerHandlers()
	return b, nil
}

func (b *Bot) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.done = make(chan struct{})
	done := b.done
	b.runMu.Unlock()

	b.ctxMu.Lock()
	b.ctx = ctx
	b.ctxMu.Unlock()

	if err := b.bot.SetCommands(menuCommands()); err != nil {
		b.log.Warn("set command menu failed", logx.Err(err))
	}

	go func() {
		<-ctx.Done()
		b.bot.Stop()
	}()
	go func() {
		defer close(done)
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
	}()
	return nil
}

// Stop shuts the poll loop down, waiting at most for ctx (or a short grace
// window) so a pending getUpdates long-poll cannot stall shutdown.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	wasRunning := b.running
	b.running = false
	done := b.done
	b.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	go b.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		b.log.Warn("telegram stop timed out")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const textLimit = 4000

// splitText chunks long messages at newline boundaries where possible.
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
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
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

func (b *Bot) send(ctx context.Context, chatID int64, text string, opts ...any) error {
	chat := &tele.Chat{ID: chatID}
	for i, chunk := range splitText(text, textLimit) {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		// Markup only goes on the first chunk.
		var o []any
		if i == 0 {
			o = opts
		}
		if _, err := b.bot.Send(chat, chunk, o...); err != nil {
			return err
		}
	}
	return nil
}

// SendText implements mailing.Sender.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	return b.send(ctx, chatID, text)
}

// SendAuthPrompt implements mailing.Sender: the re-auth instructions with
// the "get confirmation code" button attached.
func (b *Bot) SendAuthPrompt(ctx context.Context, chatID int64) error {
	return b.send(ctx, chatID, textTokenExpired, b.codeMarkup(btnGetCode))
}

func (b *Bot) codeMarkup(label string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(markup.Data(label, uniqueGetCode)))
	return markup
}

func (b *Bot) handlerCtx() context.Context {
	b.ctxMu.Lock()
	defer b.ctxMu.Unlock()
	return b.ctx
}

func menuCommands() []tele.Command {
	return []tele.Command{
		{Text: "bdays", Description: "Дни рождения на ближайшие дни"},
		{Text: "regmail", Description: "Подписать чат на рассылку"},
		{Text: "unregmail", Description: "Отписать чат от рассылки"},
		{Text: "help", Description: "Справка по командам"},
	}
}
