package mailing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bdaybot/internal/notify"
	"bdaybot/internal/roster"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/store"
	logx "bdaybot/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMsg
	prompts []int64
	fail    bool
}

type sentMsg struct {
	chatID int64
	text   string
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, sentMsg{chatID, text})
	return nil
}

func (f *fakeSender) SendAuthPrompt(_ context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, chatID)
	return nil
}

func (f *fakeSender) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeSender) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeDisk struct {
	tokenValid  bool
	tokenErr    error
	downloadErr error
	content     string
}

func (f *fakeDisk) CheckToken(context.Context) (bool, error) {
	return f.tokenValid, f.tokenErr
}

func (f *fakeDisk) Download(_ context.Context, _, dstPath string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	return os.WriteFile(dstPath, []byte(f.content), 0o644)
}

type fixture struct {
	svc    *Service
	store  *store.Store
	sched  *scheduler.Service
	cache  *notify.Cache
	sender *fakeSender
	disk   *fakeDisk
}

func newFixture(t *testing.T, mut func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(store.Config{Path: filepath.Join(dir, "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		PreloadAt:     "08:30",
		DeliverAt:     "09:00",
		HorizonDays:   3,
		ManagerChatID: 777,
		DiskPath:      "disk:/b_day/b_days.xlsx",
		OutputPath:    filepath.Join(dir, "roster.xlsx"),
		RatePerSec:    100,
	}
	if mut != nil {
		mut(&cfg)
	}

	f := &fixture{
		store:  st,
		sched:  scheduler.New(scheduler.Config{}, logx.Nop()),
		cache:  notify.NewCache(),
		sender: &fakeSender{},
		disk:   &fakeDisk{tokenValid: true, content: "snapshot"},
	}
	f.svc = New(cfg, st, f.disk, f.sched, f.cache, f.sender, logx.Nop())

	// Fixed clock and spreadsheet-free parsing keep the pipeline deterministic.
	ref := time.Date(2026, time.June, 15, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return ref }
	f.svc.parse = func(path string, _ []string, year int, _ logx.Logger) ([]roster.Entry, error) {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return []roster.Entry{
			{Name: "Сегодняшний", Date: time.Date(year, time.June, 15, 0, 0, 0, 0, time.UTC)},
			{Name: "Завтрашний", Date: time.Date(year, time.June, 16, 0, 0, 0, 0, time.UTC)},
			{Name: "Дальний", Date: time.Date(year, time.June, 25, 0, 0, 0, 0, time.UTC)},
		}, nil
	}
	return f
}

func TestRegisterChatOnceAndDuplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.RegisterChat(ctx, 333)
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}
	created, err = f.svc.RegisterChat(ctx, 333)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Fatal("second register should report duplicate")
	}

	names := f.sched.Names()
	if len(names) != 1 || names[0] != "333" {
		t.Fatalf("jobs = %v, want exactly one job named 333", names)
	}
	ids, err := f.store.JobIDs(ctx)
	if err != nil {
		t.Fatalf("JobIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "333" {
		t.Fatalf("mirror = %v, want single row 333", ids)
	}
}

func TestRegisterChatRollsBackOnScheduleFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.DeliverAt = "not-a-time" })
	ctx := context.Background()

	if _, err := f.svc.RegisterChat(ctx, 333); err == nil {
		t.Fatal("expected error when scheduling fails")
	}
	ids, err := f.store.ChatIDs(ctx)
	if err != nil {
		t.Fatalf("ChatIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("registry = %v, want rollback to empty", ids)
	}
}

func TestUnregisterChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.RegisterChat(ctx, 333); err != nil {
		t.Fatalf("RegisterChat: %v", err)
	}
	removed, err := f.svc.UnregisterChat(ctx, 333)
	if err != nil || !removed {
		t.Fatalf("UnregisterChat: removed=%v err=%v", removed, err)
	}
	if f.sched.Has("333") {
		t.Fatal("delivery job survived unregistration")
	}
	if ids, _ := f.store.JobIDs(ctx); len(ids) != 0 {
		t.Fatalf("mirror = %v, want empty", ids)
	}

	removed, err = f.svc.UnregisterChat(ctx, 333)
	if err != nil {
		t.Fatalf("repeat UnregisterChat: %v", err)
	}
	if removed {
		t.Fatal("repeat unregistration should report not-removed")
	}
}

func TestReconcileFromRegistry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	// Registry rows without live jobs, plus an orphan mirror row.
	for _, id := range []int64{111, 222} {
		if _, err := f.store.RegisterChat(ctx, id); err != nil {
			t.Fatalf("RegisterChat: %v", err)
		}
	}
	if err := f.store.PutJob(ctx, "999", "delivery", 999, "09:00"); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	if err := f.svc.ReconcileFromRegistry(ctx); err != nil {
		t.Fatalf("ReconcileFromRegistry: %v", err)
	}

	names := f.sched.Names()
	if len(names) != 2 || names[0] != "111" || names[1] != "222" {
		t.Fatalf("jobs = %v, want [111 222]", names)
	}
	ids, err := f.store.JobIDs(ctx)
	if err != nil {
		t.Fatalf("JobIDs: %v", err)
	}
	for _, id := range ids {
		if id == "999" {
			t.Fatal("orphan mirror row not pruned")
		}
	}
}

func TestPreloadHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.Preload(ctx); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	blocks, _ := f.cache.Snapshot()
	if len(blocks) != 2 {
		t.Fatalf("blocks = %q, want today + future", blocks)
	}
	if !strings.Contains(blocks[0], "сегодня") || !strings.Contains(blocks[0], "Сегодняшний") {
		t.Fatalf("today block = %q", blocks[0])
	}
	if !strings.Contains(blocks[1], "ближайшие 3 дня") || !strings.Contains(blocks[1], "Завтрашний") {
		t.Fatalf("future block = %q", blocks[1])
	}
	if strings.Contains(blocks[1], "Дальний") {
		t.Fatalf("future block includes record beyond horizon: %q", blocks[1])
	}

	n, err := f.store.CountBirthdays(ctx)
	if err != nil || n != 3 {
		t.Fatalf("birthdays = %d (%v), want 3", n, err)
	}
}

func TestPreloadExpiredTokenNoSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.disk.tokenValid = false

	if err := f.svc.Preload(context.Background()); err == nil {
		t.Fatal("expected error with no snapshot to fall back on")
	}
	if f.sender.promptCount() != 1 {
		t.Fatalf("prompts = %d, want re-auth prompt to manager", f.sender.promptCount())
	}
	msgs := f.sender.messages()
	if len(msgs) != 1 || msgs[0].chatID != 777 || !strings.Contains(msgs[0].text, "не найден") {
		t.Fatalf("manager report = %+v", msgs)
	}
	if !f.cache.Empty() {
		t.Fatal("cache must stay untouched on hard failure")
	}
}

func TestPreloadStaleSnapshotFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	// A previous snapshot exists; this download fails.
	if err := os.WriteFile(f.svc.cfg.OutputPath, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	f.disk.downloadErr = errors.New("network down")

	if err := f.svc.Preload(ctx); err != nil {
		t.Fatalf("Preload: %v", err)
	}

	blocks, _ := f.cache.Snapshot()
	if len(blocks) != 3 {
		t.Fatalf("blocks = %q, want warning + today + future", blocks)
	}
	if !strings.Contains(blocks[0], "Данные актуальны на") {
		t.Fatalf("first block should flag staleness: %q", blocks[0])
	}
}

func TestPreloadUnauthorizedDownloadPrompts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.disk.downloadErr = roster.ErrUnauthorized

	_ = f.svc.Preload(context.Background())
	if f.sender.promptCount() != 1 {
		t.Fatalf("prompts = %d, want 1 after 401 on download", f.sender.promptCount())
	}
}

func TestDeliverSendsCachedBlocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.cache.Replace([]string{"блок 1", "блок 2"})

	if err := f.svc.Deliver(context.Background(), 333); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msgs := f.sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent = %+v, want both blocks", msgs)
	}
	for _, m := range msgs {
		if m.chatID != 333 {
			t.Fatalf("sent to chat %d, want 333", m.chatID)
		}
	}
}

func TestDeliverColdCacheTriggersPreload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if err := f.svc.Deliver(context.Background(), 333); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if f.cache.Empty() {
		t.Fatal("inline preload did not fill the cache")
	}
	if len(f.sender.messages()) == 0 {
		t.Fatal("nothing delivered after inline preload")
	}
}

func TestScheduleDailyPreloadMirror(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.ScheduleDailyPreload(ctx); err != nil {
		t.Fatalf("ScheduleDailyPreload: %v", err)
	}
	if !f.sched.Has(PreloadJobID) {
		t.Fatal("preload job not registered")
	}
	ids, _ := f.store.JobIDs(ctx)
	if len(ids) != 1 || ids[0] != PreloadJobID {
		t.Fatalf("mirror = %v", ids)
	}
}
