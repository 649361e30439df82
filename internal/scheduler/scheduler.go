// Package scheduler runs named recurring jobs off cron triggers.
//
// Registration is upsert-by-name: adding a job under an existing name
// replaces the previous trigger, never duplicates it. Jobs registered before
// Start() are kept as definitions and armed when the service starts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "bdaybot/pkg/logx"
)

type Config struct {
	Timezone string
	Workers  int

	// MisfireGrace drops a firing that sat in the queue longer than this
	// before a worker picked it up. 0 disables the check.
	MisfireGrace time.Duration
	// Coalesce collapses firings of a job that is already queued into the
	// one pending run.
	Coalesce bool
}

type scheduleDef struct {
	name    string
	spec    string
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type task struct {
	name     string
	queuedAt time.Time
	run      func(ctx context.Context) error
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser

	c    *cron.Cron
	loc  *time.Location
	defs []scheduleDef

	queue     chan task
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	started   bool

	// pending tracks queued-but-not-yet-running job names for coalescing.
	pmu     sync.Mutex
	pending map[string]bool
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		pending: map[string]bool{},
	}
}

// AddDaily registers a job firing every day at the given "HH:MM" wall time in
// the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), job)
}

// AddCron registers a job under a 5-field cron spec. Same-name registration
// replaces the previous schedule.
func (s *Service) AddCron(name, spec string, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, job: job})
	if s.c != nil {
		if err := s.armLocked(&s.defs[len(s.defs)-1]); err != nil {
			s.log.Error("job register failed",
				logx.String("name", name), logx.String("spec", spec), logx.Err(err))
			return err
		}
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Remove unschedules the named job. It returns true if something was removed
// and is safe to call while the job is executing: the in-flight run finishes,
// future firings are cancelled.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("job removed", logx.String("name", name))
	}
	return removed
}

// Names returns the registered job names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a job with the given name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return true
		}
	}
	return false
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	s.queue = make(chan task, 64)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	// arm definitions registered before Start
	for i := range s.defs {
		if err := s.armLocked(&s.defs[i]); err != nil {
			s.log.Error("job register failed",
				logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}

	runCtx := s.runCtx
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, queue)
		}()
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("workers", workers), logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop cancels all triggers and drains workers. Definitions are kept so a
// later Start() re-arms them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; workers draining in background")
	}
}

// removeLocked drops all defs matching name. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) armLocked(d *scheduleDef) error {
	name, job := d.name, d.job
	eid, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(task{name: name, queuedAt: time.Now(), run: job})
	})
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	queue := s.queue
	coalesce := s.cfg.Coalesce
	s.mu.Unlock()
	if queue == nil {
		return
	}

	if coalesce {
		s.pmu.Lock()
		if s.pending[t.name] {
			s.pmu.Unlock()
			s.log.Debug("firing coalesced into pending run", logx.String("job", t.name))
			return
		}
		s.pending[t.name] = true
		s.pmu.Unlock()
	}

	select {
	case queue <- t:
	default:
		s.clearPending(t.name)
		s.log.Warn("job dropped (queue full)", logx.String("job", t.name))
	}
}

func (s *Service) worker(ctx context.Context, queue chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			s.clearPending(t.name)

			grace := s.misfireGrace()
			if grace > 0 {
				if late := time.Since(t.queuedAt); late > grace {
					s.log.Warn("job misfired; dropped",
						logx.String("job", t.name), logx.Duration("late", late))
					continue
				}
			}
			s.runTask(ctx, t)
		}
	}
}

// runTask executes one firing. A job that errors or panics is logged and the
// schedule continues.
func (s *Service) runTask(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job",
				logx.String("job", t.name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	start := time.Now()
	if err := t.run(ctx); err != nil {
		s.log.Error("job failed", logx.String("job", t.name), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("job", t.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) clearPending(name string) {
	s.pmu.Lock()
	delete(s.pending, name)
	s.pmu.Unlock()
}

func (s *Service) misfireGrace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MisfireGrace
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func parseHHMM(s string) (hour, minute int, err error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return h, m, nil
}
