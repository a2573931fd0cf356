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

	logx "slackpush/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Job is a named periodic task. Registering a job under an existing name
// replaces it.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStatus is a snapshot of one job, for logs and CLI output.
type JobStatus struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Next     time.Time     `json:"next,omitempty"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took,omitempty"`
	LastErr  string        `json:"last_err,omitempty"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
}

type jobDef struct {
	job     Job
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	status  JobStatus
}

// Service runs jobs on a robfig/cron scheduler. A run is skipped while the
// previous run of the same job is still going, and panics are recovered.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	c      *cron.Cron
	loc    *time.Location
	runCtx context.Context
	cancel context.CancelFunc
	defs   map[string]*jobDef
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "scheduler")), defs: map[string]*jobDef{}}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Register validates and stores job. While running, it is scheduled at once.
// An empty spec removes the job.
func (s *Service) Register(job Job) error {
	if strings.TrimSpace(job.Name) == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a func")
	}
	spec, err := NormalizeSpec(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	if spec == "" {
		s.Remove(job.Name)
		return nil
	}
	job.Spec = spec

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[job.Name]; old != nil && s.c != nil {
		s.c.Remove(old.entryID)
	}
	d := &jobDef{job: job, status: JobStatus{Name: job.Name, Spec: spec}}
	s.defs[job.Name] = d
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil {
		return
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
}

func (s *Service) addLocked(d *jobDef) error {
	runCtx := s.runCtx
	id, err := s.c.AddFunc(d.job.Spec, func() { _ = s.execute(runCtx, d) })
	if err != nil {
		return fmt.Errorf("job %s: %w", d.job.Name, err)
	}
	d.entryID = id
	return nil
}

// Apply updates the config; a timezone change re-registers every job.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	running := s.c != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		s.Start(ctx)
	case running && oldTZ != strings.TrimSpace(cfg.Timezone):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.loc = s.loadLocationLocked()
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", d.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts the cron loop and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	cancel()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
}

// RunNow runs a registered job synchronously, honoring the overlap rule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d := s.defs[name]
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, d)
}

func (s *Service) execute(ctx context.Context, d *jobDef) (err error) {
	d.mu.Lock()
	if d.running {
		d.status.Skipped++
		d.mu.Unlock()
		s.log.Debug("job still running; skipped", logx.String("job", d.job.Name))
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if d.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", d.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		took := time.Since(start)
		d.mu.Lock()
		d.running = false
		d.status.Runs++
		d.status.LastRun = start
		d.status.LastTook = took
		d.status.LastErr = ""
		if err != nil {
			d.status.LastErr = err.Error()
		}
		d.mu.Unlock()
		if err != nil {
			s.log.Warn("job failed", logx.String("job", d.job.Name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job ok", logx.String("job", d.job.Name), logx.Duration("took", took))
		}
	}()
	return d.job.Run(ctx)
}

// Snapshot lists jobs sorted by name.
func (s *Service) Snapshot() []JobStatus {
	s.mu.Lock()
	c := s.c
	defs := make([]*jobDef, 0, len(s.defs))
	ids := make([]cron.EntryID, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
		ids = append(ids, d.entryID)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(defs))
	for i, d := range defs {
		d.mu.Lock()
		st := d.status
		d.mu.Unlock()
		if c != nil && ids[i] != 0 {
			st.Next = c.Entry(ids[i]).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
