// Package app wires the bot together: config, logging, storage, the disk
// client, the scheduler and the telegram surface, with ordered startup and
// bounded shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"bdaybot/internal/config"
	"bdaybot/internal/mailing"
	"bdaybot/internal/notify"
	"bdaybot/internal/roster"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/store"
	"bdaybot/internal/transport/telegram"
	logx "bdaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store *store.Store
	disk  *roster.Disk
	cache *notify.Cache
	sched *scheduler.Service
	mail  *mailing.Service
	bot   *telegram.Bot

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	secrets, err := config.LoadSecrets(cfg.EnvFile)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	disk := roster.NewDisk(roster.DiskConfig{
		Token:     secrets.DiskToken,
		AppID:     secrets.DiskAppID,
		AppSecret: secrets.DiskAppSecret,
	}, log.With(logx.String("comp", "disk")))

	sched := scheduler.New(scheduler.Config{
		Timezone:     cfg.Scheduler.Timezone,
		MisfireGrace: cfg.MisfireGraceDuration(),
		Coalesce:     cfg.CoalesceEnabled(),
	}, log.With(logx.String("comp", "scheduler")))

	cache := notify.NewCache()

	mail := mailing.New(mailing.Config{
		PreloadAt:     cfg.Scheduler.PreloadAt,
		DeliverAt:     cfg.Scheduler.DeliverAt,
		HorizonDays:   cfg.Scheduler.HorizonDays,
		ManagerChatID: cfg.Telegram.ManagerChatID,
		DiskPath:      cfg.Roster.DiskPath,
		OutputPath:    cfg.Roster.OutputPath,
		Columns:       cfg.Roster.Columns,
		RatePerSec:    cfg.Telegram.RatePerSec,
	}, st, disk, sched, cache, nil, log.With(logx.String("comp", "mailing")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		st.Close()
		return nil, err
	}
	envPath := cfg.EnvFile
	bot, err := telegram.New(telegram.Config{
		Token:       secrets.BotToken,
		PollTimeout: pollTimeout,
		DeliverAt:   cfg.Scheduler.DeliverAt,
	}, telegram.Deps{
		Mailing: mail,
		Disk:    disk,
		PersistToken: func(token string) error {
			return config.UpdateEnvVar(envPath, config.EnvDiskToken, token)
		},
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		st.Close()
		return nil, err
	}
	mail.SetSender(bot)

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		store: st,
		disk:  disk,
		cache: cache,
		sched: sched,
		mail:  mail,
		bot:   bot,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	if err := a.mail.ScheduleDailyPreload(runCtx); err != nil {
		cancel()
		return fmt.Errorf("schedule preload: %w", err)
	}
	if err := a.mail.ReconcileFromRegistry(runCtx); err != nil {
		cancel()
		return fmt.Errorf("reconcile delivery jobs: %w", err)
	}

	a.sched.Start(runCtx)

	if err := a.bot.Start(runCtx); err != nil {
		cancel()
		return err
	}

	// hot reload: logging config applies live, the rest needs a restart
	sub := a.cfgm.Subscribe(4)
	go func() {
		defer close(a.done)
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	}()
	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("started")
	return nil
}

// Stop shuts components down in reverse start order. Each step gets an upper
// bound so a stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	step("telegram", 3*time.Second, a.bot.Stop)
	step("scheduler", 3*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	step("store", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}

	a.logs.Close()
	a.log.Info("stopped")
	return nil
}
