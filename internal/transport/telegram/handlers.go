package telegram

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"bdaybot/internal/roster"
	logx "bdaybot/pkg/logx"
)

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.onHelp)
	b.bot.Handle("/help", b.onHelp)
	b.bot.Handle("/bdays", b.onBdays)
	b.bot.Handle("/regmail", b.onRegister)
	b.bot.Handle("/unregmail", b.onUnregister)
	b.bot.Handle("/code", b.onCode)
	b.bot.Handle(&tele.Btn{Unique: uniqueGetCode}, b.onGetCode)
}

func (b *Bot) onHelp(c tele.Context) error {
	return c.Send(textHelp)
}

// onBdays replies with the current notification blocks. With a cold cache it
// runs the preload inline; with an expired Disk token it starts the re-auth
// flow instead.
func (b *Bot) onBdays(c tele.Context) error {
	ctx := b.handlerCtx()

	blocks := b.deps.Mailing.CachedBlocks()
	if len(blocks) == 0 {
		valid, err := b.deps.Disk.CheckToken(ctx)
		if err == nil && !valid {
			return c.Send(textTokenExpired, b.codeMarkup(btnGetCode))
		}
		if err := b.deps.Mailing.Preload(ctx); err != nil {
			b.log.Warn("on-demand preload failed", logx.Err(err))
		}
		blocks = b.deps.Mailing.CachedBlocks()
	}
	if len(blocks) == 0 {
		return c.Send(textBdaysEmpty)
	}

	for _, block := range blocks {
		if err := c.Send(block); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) onRegister(c tele.Context) error {
	chatID := c.Chat().ID
	created, err := b.deps.Mailing.RegisterChat(b.handlerCtx(), chatID)
	if err != nil {
		b.log.Error("chat registration failed",
			logx.Int64("chat_id", chatID), logx.Err(err))
		return c.Send(textRegisterFail)
	}
	if !created {
		return c.Send(textRegisterDup)
	}
	return c.Send(fmt.Sprintf(textRegisterOK, b.cfg.DeliverAt))
}

func (b *Bot) onUnregister(c tele.Context) error {
	chatID := c.Chat().ID
	removed, err := b.deps.Mailing.UnregisterChat(b.handlerCtx(), chatID)
	if err != nil {
		b.log.Error("chat unregistration failed",
			logx.Int64("chat_id", chatID), logx.Err(err))
		return c.Send(textRegisterFail)
	}
	if !removed {
		return c.Send(textUnregisterNone)
	}
	return c.Send(textUnregisterOK)
}

// onCode exchanges a user-supplied confirmation code for a fresh Disk token,
// verifies it and persists it to the secret store.
func (b *Bot) onCode(c tele.Context) error {
	code := strings.TrimSpace(c.Message().Payload)
	if code == "" {
		return c.Reply(textCodeMissing)
	}
	ctx := b.handlerCtx()

	token, err := b.deps.Disk.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, roster.ErrBadCode) {
			return c.Send(textCodeBad, b.codeMarkup(btnRetryCode))
		}
		b.log.Error("code exchange failed", logx.Err(err))
		return c.Send(textCodeBroken)
	}

	b.deps.Disk.SetToken(token)
	valid, err := b.deps.Disk.CheckToken(ctx)
	if err != nil || !valid {
		b.log.Error("fresh token rejected", logx.Err(err))
		return c.Send(textCodeBroken)
	}

	if b.deps.PersistToken != nil {
		if err := b.deps.PersistToken(token); err != nil {
			b.log.Error("token persist failed", logx.Err(err))
		}
	}
	b.log.Info("disk token refreshed")
	return c.Send(textCodeOK)
}

// onGetCode answers the inline button with the OAuth authorize URL.
func (b *Bot) onGetCode(c tele.Context) error {
	if err := c.Send(b.deps.Disk.CodeURL()); err != nil {
		return err
	}
	return c.Respond()
}
