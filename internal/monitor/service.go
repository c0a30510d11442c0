package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"padbridge/internal/eventbus"
	"padbridge/internal/storage"
	"padbridge/internal/task/scheduler"
	logx "padbridge/pkg/logx"
)

const (
	SamplerTaskName = "system.monitor"

	defaultSampleEvery    = time.Second
	defaultReportSchedule = "@every 1m"
	persistTimeout        = 2 * time.Second
)

// Config is the runtime form of the monitor section.
type Config struct {
	Enabled        bool
	SampleEvery    time.Duration
	ReportSchedule string
	Timezone       string
	History        int
	Persist        bool
}

func (c Config) withDefaults() Config {
	if c.SampleEvery <= 0 {
		c.SampleEvery = defaultSampleEvery
	}
	if strings.TrimSpace(c.ReportSchedule) == "" {
		c.ReportSchedule = defaultReportSchedule
	}
	if c.History <= 0 {
		c.History = defaultHistory
	}
	return c
}

// Service samples the runtime from a scheduler task and writes periodic
// reports on a cron schedule. Failed and late task events are persisted as
// they arrive.
type Service struct {
	sched   *scheduler.Scheduler
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	session string
	sampler *Sampler
	// persist mirrors cfg.Persist for the cron job, which must not take mu.
	persist atomic.Bool

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	loc    *time.Location
	taskID scheduler.ID

	evCancel context.CancelFunc
	evDone   chan struct{}
}

// New builds the service. store and bus may be nil.
func New(cfg Config, sched *scheduler.Scheduler, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		sched:   sched,
		store:   store,
		bus:     bus,
		log:     log,
		session: uuid.NewString(),
		sampler: NewSampler(cfg.History, sched.ActiveCount),
		cfg:     cfg,
	}
	s.persist.Store(cfg.Persist)
	return s
}

// Session is the per-boot id stamped on persisted records.
func (s *Service) Session() string { return s.session }

func (s *Service) Sampler() *Sampler { return s.sampler }

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the sampler task, starts the report cron and, when storage
// is configured, the event recorder. A disabled service starts nothing.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("monitor disabled")
		return nil
	}
	if s.taskID != scheduler.InvalidID {
		return nil
	}
	if err := s.startLocked(ctx); err != nil {
		s.stopLocked(ctx)
		return err
	}
	s.log.Info("service started",
		logx.String("session", s.session),
		logx.Duration("sample_every", s.cfg.SampleEvery),
		logx.String("report", s.cfg.ReportSchedule),
		logx.String("tz", s.loc.String()),
	)
	return nil
}

func (s *Service) startLocked(ctx context.Context) error {
	id, err := s.sched.Create(scheduler.TaskConfig{
		Name:        SamplerTaskName,
		Policy:      scheduler.Periodic,
		Priority:    scheduler.PriorityLow,
		Period:      s.cfg.SampleEvery,
		MaxDuration: s.cfg.SampleEvery / 2,
		Run:         s.sampler.Sample,
	})
	if err != nil {
		return err
	}
	s.taskID = id

	if err := s.startCronLocked(); err != nil {
		return err
	}

	if s.store != nil && s.cfg.Persist && s.bus != nil {
		ch, unsubscribe := s.bus.Subscribe(64, "task.")
		ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		s.evCancel = func() {
			cancel()
			unsubscribe()
		}
		s.evDone = done
		go s.recordEvents(ectx, ch, done)
	}
	return nil
}

func (s *Service) startCronLocked() error {
	spec, err := ParseSchedule(s.cfg.ReportSchedule)
	if err != nil {
		return err
	}
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	s.c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := s.ReportNow(ctx); err != nil {
			s.log.Warn("report failed", logx.Err(err))
		}
	}))
	s.c.Start()
	return nil
}

// Stop halts the cron, deletes the sampler task and waits for the event
// recorder, all bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil && s.taskID == scheduler.InvalidID {
		return
	}
	s.stopLocked(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.c != nil {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
		}
		s.c = nil
	}
	if s.taskID != scheduler.InvalidID {
		if err := s.sched.Delete(ctx, s.taskID); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
			s.log.Warn("sampler task delete failed", logx.Err(err))
		}
		s.taskID = scheduler.InvalidID
	}
	if s.evCancel != nil {
		s.evCancel()
		select {
		case <-s.evDone:
		case <-ctx.Done():
		}
		s.evCancel, s.evDone = nil, nil
	}
}

// Apply swaps the runtime config. Enable/disable, schedule and timezone
// changes restart the affected parts; the sample period changes in place.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	s.persist.Store(cfg.Persist)
	s.sampler.Resize(cfg.History)

	running := s.taskID != scheduler.InvalidID
	switch {
	case !cfg.Enabled:
		if running {
			s.stopLocked(ctx)
			s.log.Info("monitor disabled by config")
		}
		return nil
	case !running:
		if err := s.startLocked(ctx); err != nil {
			s.stopLocked(ctx)
			return err
		}
		s.log.Info("monitor enabled by config")
		return nil
	}

	if old.Persist != cfg.Persist {
		// The event recorder follows the persist flag; restart the whole service.
		s.stopLocked(ctx)
		return s.startLocked(ctx)
	}
	if old.SampleEvery != cfg.SampleEvery {
		if err := s.sched.SetPeriod(s.taskID, cfg.SampleEvery); err != nil {
			return err
		}
	}
	if s.c == nil || old.ReportSchedule != cfg.ReportSchedule || strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		if s.c != nil {
			select {
			case <-s.c.Stop().Done():
			case <-ctx.Done():
			}
			s.c = nil
		}
		if err := s.startCronLocked(); err != nil {
			return err
		}
		s.log.Info("report schedule changed", logx.String("report", cfg.ReportSchedule), logx.String("tz", s.loc.String()))
	}
	return nil
}

// ReportNow builds a snapshot, logs it and persists it when storage is on.
func (s *Service) ReportNow(ctx context.Context) (storage.Snapshot, error) {
	rep, err := s.sched.Snapshot()
	if err != nil {
		return storage.Snapshot{}, err
	}
	smp, _ := s.sampler.Latest()
	snap := buildSnapshot(s.session, rep, smp)

	s.log.Info("scheduler report",
		logx.Int("active", snap.Active),
		logx.Uint64("executions", snap.Executions),
		logx.Uint64("failed", snap.Failed),
		logx.Uint64("missed_deadlines", snap.MissedDeadlines),
		logx.Int("goroutines", smp.Goroutines),
		logx.String("heap", humanize.IBytes(smp.HeapAlloc)),
		logx.String("heap_peak", humanize.IBytes(smp.PeakHeap)),
	)
	if s.log.Enabled(logx.LevelDebug) {
		var b strings.Builder
		if err := rep.Write(&b); err == nil {
			s.log.Debug("scheduler report detail", logx.String("report", b.String()))
		}
	}

	if s.store != nil && s.persist.Load() {
		if err := s.store.AppendSnapshot(ctx, snap); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

func (s *Service) recordEvents(ctx context.Context, ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != scheduler.EventFailed && ev.Type != scheduler.EventDeadlineMissed {
				continue
			}
			te, ok := ev.Data.(scheduler.TaskEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, persistTimeout)
			err := s.store.AppendEvent(wctx, storage.TaskEvent{
				Session:    s.session,
				At:         ev.Time,
				Type:       ev.Type,
				TaskID:     uint32(te.ID),
				TaskName:   te.Name,
				DurationUS: te.Duration.Microseconds(),
				Error:      te.Error,
			})
			cancel()
			if err != nil {
				s.log.Debug("task event not persisted", logx.Err(err))
			}
		}
	}
}

func buildSnapshot(session string, rep scheduler.Report, smp Sample) storage.Snapshot {
	t := rep.Totals
	snap := storage.Snapshot{
		Session:         session,
		At:              rep.Taken,
		Version:         rep.Version,
		UptimeMS:        t.Uptime.Milliseconds(),
		Active:          t.Active,
		Created:         t.TotalCreated,
		Completed:       t.Completed,
		Failed:          t.Failed,
		Executions:      t.TotalExecutions,
		MissedDeadlines: t.MissedDeadlines,
		AvgExecUS:       t.AvgExecutionTime.Microseconds(),
		Goroutines:      smp.Goroutines,
		HeapAlloc:       smp.HeapAlloc,
		HeapSys:         smp.HeapSys,
		PeakHeap:        smp.PeakHeap,
		NumGC:           smp.NumGC,
		Tasks:           make([]storage.TaskRow, 0, len(rep.Tasks)),
	}
	for _, row := range rep.Tasks {
		snap.Tasks = append(snap.Tasks, storage.TaskRow{
			ID:       uint32(row.Info.ID),
			Name:     row.Info.Name,
			Policy:   row.Info.Policy.String(),
			Priority: int(row.Info.Priority),
			State:    row.Stats.State.String(),
			Runs:     row.Stats.ExecutionCount,
			Errors:   row.Stats.ErrorCount,
			Missed:   row.Stats.MissedDeadlines,
			AvgUS:    row.Stats.AvgExecution.Microseconds(),
			MaxUS:    row.Stats.MaxExecution.Microseconds(),
		})
	}
	return snap
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
