package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"mentionbot/internal/eventbus"
	logx "mentionbot/pkg/logx"
)

const EventJobFinished = "cron.job.finished"

var ErrUnknownJob = errors.New("cron: unknown job")

// Config controls the cron service. An empty Timezone means the local zone.
type Config struct {
	Timezone string
}

// JobFunc is the body of a scheduled job. ctx carries the job timeout.
type JobFunc func(ctx context.Context) error

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	LastErr  string
	LastTook time.Duration
}

// JobEvent is published on EventJobFinished.
type JobEvent struct {
	Name string
	Took time.Duration
	Err  string
}

type job struct {
	name     string
	schedule Schedule
	timeout  time.Duration
	run      JobFunc

	entry rcron.EntryID

	// guarded by Service.mu
	runs     uint64
	lastErr  string
	lastTook time.Duration
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	loc     *time.Location
	c       *rcron.Cron
	jobs    map[string]*job
	ctx     context.Context
	started bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	s := &Service{
		log:  log.With(logx.String("comp", "cron")),
		bus:  bus,
		loc:  loc,
		jobs: map[string]*job{},
		ctx:  context.Background(),
	}
	s.c = s.newCronLocked()
	return s, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("cron: timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (s *Service) newCronLocked() *rcron.Cron {
	lg := cronLogger{log: s.log}
	return rcron.New(
		rcron.WithLocation(s.loc),
		rcron.WithParser(parser),
		rcron.WithLogger(lg),
		rcron.WithChain(rcron.Recover(lg), rcron.SkipIfStillRunning(lg)),
	)
}

// Apply switches the timezone. Registered jobs are re-added to a fresh cron
// instance so Next is recomputed in the new location.
func (s *Service) Apply(cfg Config) error {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.String() == s.loc.String() {
		return nil
	}
	s.loc = loc
	s.restartLocked()
	s.log.Info("cron timezone changed", logx.String("tz", loc.String()))
	return nil
}

func (s *Service) restartLocked() {
	old := s.c
	if s.started {
		old.Stop()
	}
	s.c = s.newCronLocked()
	for _, j := range s.jobs {
		if err := s.addLocked(j); err != nil {
			s.log.Warn("cron re-add failed", logx.String("job", j.name), logx.Err(err))
		}
	}
	if s.started {
		s.c.Start()
	}
}

// Add registers or replaces the job called name. An empty schedule removes it.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("cron: name and job are required")
	}
	if strings.TrimSpace(schedule) == "" {
		s.Remove(name)
		return nil
	}
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("cron: job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[name]; ok {
		s.c.Remove(prev.entry)
	}
	j := &job{name: name, schedule: sc, timeout: timeout, run: fn}
	if err := s.addLocked(j); err != nil {
		delete(s.jobs, name)
		return err
	}
	s.jobs[name] = j
	s.log.Debug("cron job registered", logx.String("job", name), logx.String("schedule", sc.String()))
	return nil
}

func (s *Service) addLocked(j *job) error {
	cmd := rcron.FuncJob(func() { s.execute(j) })
	switch j.schedule.Kind {
	case KindInterval:
		sched, jitter := intervalWithSpread(j.schedule.Every, time.Now().In(s.loc), j.name)
		j.entry = s.c.Schedule(sched, cmd)
		if jitter > 0 {
			s.log.Debug("cron startup spread", logx.String("job", j.name), logx.Duration("jitter", jitter))
		}
	default:
		id, err := s.c.AddJob(j.schedule.Cron, cmd)
		if err != nil {
			return fmt.Errorf("cron: job %s: %w", j.name, err)
		}
		j.entry = id
	}
	return nil
}

// Remove unregisters a job. It reports whether the job existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.c.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// Start begins firing schedules. Job contexts derive from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx = ctx
	s.started = true
	s.c.Start()
	s.log.Info("cron started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.loc.String()))
}

// Stop halts the scheduler and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	done := s.c.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(j)
}

func (s *Service) execute(j *job) error {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx := parent
	cancel := context.CancelFunc(func() {})
	if j.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, j.timeout)
	}
	defer cancel()

	start := time.Now()
	err := j.run(ctx)
	took := time.Since(start)

	ev := JobEvent{Name: j.name, Took: took}
	s.mu.Lock()
	j.runs++
	j.lastTook = took
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
		ev.Err = j.lastErr
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("cron job failed", logx.String("job", j.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("cron job done", logx.String("job", j.name), logx.Duration("took", took))
	}
	eventbus.Publish(s.bus, EventJobFinished, ev)
	return err
}

// Snapshot lists registered jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.c.Entry(j.entry)
		out = append(out, JobInfo{
			Name:     j.name,
			Schedule: j.schedule.String(),
			Next:     e.Next,
			Prev:     e.Prev,
			Runs:     j.runs,
			LastErr:  j.lastErr,
			LastTook: j.lastTook,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
