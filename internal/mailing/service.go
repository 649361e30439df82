// Package mailing ties the roster pipeline, the chat registry and the
// scheduler together: one daily preload job refreshes the notification
// cache, and one daily delivery job per registered chat fans the cached
// blocks out.
package mailing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bdaybot/internal/notify"
	"bdaybot/internal/roster"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/store"
	logx "bdaybot/pkg/logx"
)

// PreloadJobID is the fixed id of the singleton roster-preload job.
// Delivery jobs use the decimal chat id as their job id.
const PreloadJobID = "preload"

const (
	jobKindPreload  = "preload"
	jobKindDelivery = "delivery"
)

// Operator-facing reports sent to the manager chat.
const (
	textNoRosterFile = "Файл с перечнем дней рождения партнеров не найден в системе. " +
		"Отправка уведомлений получателям невозможна. Обратитесь к разработчику."
	textRosterBroken = "При обработке файла с перечнем дней рождения произошла ошибка. " +
		"Обратитесь к разработчику."
)

// Sender is the outbound half of the chat platform the mailing needs.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	// SendAuthPrompt sends the re-auth instructions with the "get
	// confirmation code" button attached.
	SendAuthPrompt(ctx context.Context, chatID int64) error
}

// DiskClient is the part of the remote-storage client the preload uses.
type DiskClient interface {
	CheckToken(ctx context.Context) (bool, error)
	Download(ctx context.Context, srcPath, dstPath string) error
}

type Config struct {
	PreloadAt     string // "HH:MM", strictly before DeliverAt
	DeliverAt     string // "HH:MM"
	HorizonDays   int
	ManagerChatID int64

	DiskPath   string
	OutputPath string
	Columns    []string

	RatePerSec int
}

type Service struct {
	cfg   Config
	log   logx.Logger
	store *store.Store
	disk  DiskClient
	sched *scheduler.Service
	cache *notify.Cache

	mu     sync.Mutex // guards sender swap and cfg updates
	sender Sender

	limiter *rate.Limiter

	// preloadMu serializes preload runs (scheduled and inline fallbacks).
	preloadMu sync.Mutex

	// now and parse are swappable for tests.
	now   func() time.Time
	parse func(path string, columns []string, year int, log logx.Logger) ([]roster.Entry, error)
}

func New(cfg Config, st *store.Store, disk DiskClient, sched *scheduler.Service, cache *notify.Cache, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 3
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		store:   st,
		disk:    disk,
		sched:   sched,
		cache:   cache,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		now:     time.Now,
		parse:   roster.Parse,
	}
}

// SetSender attaches the outbound chat adapter. The bot and the mailing
// service reference each other, so the sender arrives after construction.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// ScheduleDailyPreload registers the singleton preload job.
func (s *Service) ScheduleDailyPreload(ctx context.Context) error {
	if err := s.sched.AddDaily(PreloadJobID, s.cfg.PreloadAt, s.runPreload); err != nil {
		return err
	}
	if err := s.store.PutJob(ctx, PreloadJobID, jobKindPreload, 0, s.cfg.PreloadAt); err != nil {
		s.log.Warn("preload job mirror write failed", logx.Err(err))
	}
	return nil
}

// ScheduleChatDelivery registers (or replaces) the daily delivery job for one
// chat. Re-registration for the same chat replaces the old trigger.
func (s *Service) ScheduleChatDelivery(ctx context.Context, chatID int64) error {
	id := deliveryJobID(chatID)
	err := s.sched.AddDaily(id, s.cfg.DeliverAt, func(ctx context.Context) error {
		return s.Deliver(ctx, chatID)
	})
	if err != nil {
		return err
	}
	if err := s.store.PutJob(ctx, id, jobKindDelivery, chatID, s.cfg.DeliverAt); err != nil {
		s.log.Warn("delivery job mirror write failed",
			logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return nil
}

// RegisterChat subscribes a chat to the daily mailing. Registry insert and
// job scheduling form one logical transaction: if scheduling fails, the
// fresh registry row is compensated away and the error is returned for the
// caller to surface to the chat.
func (s *Service) RegisterChat(ctx context.Context, chatID int64) (created bool, err error) {
	created, err = s.store.RegisterChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if err := s.ScheduleChatDelivery(ctx, chatID); err != nil {
		if created {
			if _, derr := s.store.UnregisterChat(ctx, chatID); derr != nil {
				s.log.Error("registration rollback failed",
					logx.Int64("chat_id", chatID), logx.Err(derr))
			}
		}
		return false, fmt.Errorf("schedule delivery for chat %d: %w", chatID, err)
	}
	if created {
		s.log.Info("chat registered", logx.Int64("chat_id", chatID))
	}
	return created, nil
}

// UnregisterChat removes the subscription and cancels the delivery job.
// Safe to call for a chat that was never registered, and safe while the
// chat's job is executing (only future firings are cancelled).
func (s *Service) UnregisterChat(ctx context.Context, chatID int64) (removed bool, err error) {
	id := deliveryJobID(chatID)
	s.sched.Remove(id)
	if err := s.store.DeleteJob(ctx, id); err != nil {
		s.log.Warn("delivery job mirror delete failed",
			logx.Int64("chat_id", chatID), logx.Err(err))
	}
	removed, err = s.store.UnregisterChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if removed {
		s.log.Info("chat unregistered", logx.Int64("chat_id", chatID))
	}
	return removed, nil
}

// ReconcileFromRegistry rebuilds delivery jobs from the chat registry: every
// registered chat ends up with exactly one live job, and mirror rows that no
// longer correspond to a registered chat are pruned. Called on startup; the
// registry is the source of truth even if the job mirror was wiped.
func (s *Service) ReconcileFromRegistry(ctx context.Context) error {
	ids, err := s.store.ChatIDs(ctx)
	if err != nil {
		return fmt.Errorf("list chat ids: %w", err)
	}

	want := map[string]bool{PreloadJobID: true}
	for _, chatID := range ids {
		want[deliveryJobID(chatID)] = true
		if err := s.ScheduleChatDelivery(ctx, chatID); err != nil {
			s.log.Error("reconcile: schedule failed",
				logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}

	mirrored, err := s.store.JobIDs(ctx)
	if err != nil {
		s.log.Warn("reconcile: job mirror read failed", logx.Err(err))
		return nil
	}
	for _, id := range mirrored {
		if want[id] {
			continue
		}
		s.sched.Remove(id)
		if err := s.store.DeleteJob(ctx, id); err != nil {
			s.log.Warn("reconcile: orphan mirror delete failed",
				logx.String("job", id), logx.Err(err))
		} else {
			s.log.Info("reconcile: orphan job pruned", logx.String("job", id))
		}
	}

	s.log.Info("delivery jobs reconciled", logx.Int("chats", len(ids)))
	return nil
}

// runPreload is the scheduled entrypoint. Preload failures are fully handled
// inside (reported to the manager, cache left as-is); the job itself never
// fails the scheduler.
func (s *Service) runPreload(ctx context.Context) error {
	if err := s.Preload(ctx); err != nil {
		s.log.Error("preload failed; previous cache kept", logx.Err(err))
	}
	return nil
}

// Preload refreshes the notification cache: download the roster snapshot,
// reload the birthday table, precompute today's message blocks. On download
// failure it falls back to the previous local snapshot (flagging staleness);
// with no snapshot at all it reports to the manager and leaves the cache
// untouched.
func (s *Service) Preload(ctx context.Context) error {
	s.preloadMu.Lock()
	defer s.preloadMu.Unlock()

	now := s.now()

	fresh := s.fetchRoster(ctx)

	staleWarning := ""
	if !fresh {
		info, err := os.Stat(s.cfg.OutputPath)
		if err != nil {
			s.reportToManager(ctx, textNoRosterFile)
			s.log.Error("no roster snapshot available; cache untouched")
			return errors.New("roster unavailable and no local snapshot")
		}
		staleWarning = fmt.Sprintf(
			"Загрузка актуальных данных в настоящее время невозможна. Данные актуальны на: %s",
			info.ModTime().Format("02.01.2006 15:04"))
		s.log.Warn("using stale roster snapshot",
			logx.Time("modified", info.ModTime()))
	}

	entries, err := s.parse(s.cfg.OutputPath, s.cfg.Columns, now.Year(), s.log)
	if err != nil {
		s.reportToManager(ctx, textRosterBroken)
		return fmt.Errorf("parse roster: %w", err)
	}

	if err := s.store.RefreshBirthdays(ctx, toStoreEntries(entries)); err != nil {
		return fmt.Errorf("refresh birthdays: %w", err)
	}

	blocks, err := s.buildBlocks(ctx, now)
	if err != nil {
		return err
	}
	if staleWarning != "" {
		blocks = append([]string{staleWarning}, blocks...)
	}

	s.cache.Replace(blocks)
	s.log.Info("notification cache refreshed",
		logx.Int("blocks", len(blocks)), logx.Bool("stale", staleWarning != ""))
	return nil
}

// fetchRoster downloads the spreadsheet, handling the expired-token path.
// Returns false when the local snapshot (if any) must be used instead.
func (s *Service) fetchRoster(ctx context.Context) bool {
	valid, err := s.disk.CheckToken(ctx)
	if err != nil {
		s.log.Warn("disk token check failed", logx.Err(err))
	} else if !valid {
		s.log.Error("disk token expired; file download skipped")
		s.promptReauth(ctx)
		return false
	}

	if err := s.disk.Download(ctx, s.cfg.DiskPath, s.cfg.OutputPath); err != nil {
		if errors.Is(err, roster.ErrUnauthorized) {
			s.log.Error("disk rejected token on download")
			s.promptReauth(ctx)
		} else {
			s.log.Error("roster download failed", logx.Err(err))
		}
		return false
	}
	return true
}

func (s *Service) buildBlocks(ctx context.Context, now time.Time) ([]string, error) {
	today, err := s.store.TodayBirthdays(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("query today: %w", err)
	}
	future, err := s.store.FutureBirthdays(ctx, now, s.cfg.HorizonDays)
	if err != nil {
		return nil, fmt.Errorf("query future: %w", err)
	}

	return notify.CollectSummary(formatLines(today), formatLines(future), s.cfg.HorizonDays), nil
}

// Deliver sends the cached blocks to one chat. An empty cache (first run
// after a cold start) triggers an inline preload. Send failures are logged
// per block and never propagate to other chats' jobs.
func (s *Service) Deliver(ctx context.Context, chatID int64) error {
	if s.cache.Empty() {
		if err := s.Preload(ctx); err != nil {
			s.log.Warn("inline preload failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	}

	blocks, _ := s.cache.Snapshot()
	if len(blocks) == 0 {
		return fmt.Errorf("no notification blocks for chat %d", chatID)
	}

	sender := s.getSender()
	if sender == nil {
		return errors.New("no sender attached")
	}

	var firstErr error
	for _, block := range blocks {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := sender.SendText(ctx, chatID, block); err != nil {
			s.log.Error("delivery send failed",
				logx.Int64("chat_id", chatID), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CachedBlocks exposes the current cache snapshot (for the /bdays command).
func (s *Service) CachedBlocks() []string {
	blocks, _ := s.cache.Snapshot()
	return blocks
}

func (s *Service) promptReauth(ctx context.Context) {
	sender := s.getSender()
	if sender == nil || s.cfg.ManagerChatID == 0 {
		return
	}
	if err := sender.SendAuthPrompt(ctx, s.cfg.ManagerChatID); err != nil {
		s.log.Error("reauth prompt send failed", logx.Err(err))
	}
}

func (s *Service) reportToManager(ctx context.Context, text string) {
	sender := s.getSender()
	if sender == nil || s.cfg.ManagerChatID == 0 {
		return
	}
	if err := sender.SendText(ctx, s.cfg.ManagerChatID, text); err != nil {
		s.log.Error("manager report send failed", logx.Err(err))
	}
}

func (s *Service) getSender() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}

func deliveryJobID(chatID int64) string { return strconv.FormatInt(chatID, 10) }

func formatLines(records []store.Birthday) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, notify.FormatRecord(r.Name, r.Date))
	}
	return out
}

func toStoreEntries(entries []roster.Entry) []store.Entry {
	out := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, store.Entry{Name: e.Name, Date: e.Date})
	}
	return out
}
