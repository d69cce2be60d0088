// Package schedule runs periodic dashboard jobs such as refreshing network
// information or publishing host resource usage.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic action. Schedule is either "@every <duration>"
// (sub-second durations allowed) or a cron expression with an optional
// seconds field, e.g. "*/30 * * * * *" or "@hourly". A tick is skipped
// while the previous run of the same job is still in progress.
type Job struct {
	Name     string         `mapstructure:"name"`
	Schedule string         `mapstructure:"schedule"`
	Command  string         `mapstructure:"command"`
	Args     map[string]any `mapstructure:"args"`

	running atomic.Bool
	sched   cron.Schedule
}

// SystemStats is the command of jobs that publish host resource usage
// instead of addressing the backend.
const SystemStats = "@system"

// Runner executes one tick of a job.
type Runner func(ctx context.Context, j *Job) error

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("not an @every schedule: %s", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse compiles a schedule expression. "@every" is handled here rather
// than by the cron parser, which rounds intervals to whole seconds.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "@every" || strings.HasPrefix(expr, "@every ") {
		d, err := ParseEvery(expr)
		if err != nil {
			return nil, err
		}
		return every(d), nil
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Validate checks the fields a job needs before it can be scheduled.
func (j *Job) Validate() error {
	if j.Name == "" {
		return errors.New("job requires a name")
	}
	if j.Command == "" {
		return fmt.Errorf("job %s requires a command", j.Name)
	}
	if _, err := Parse(j.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	return nil
}

// Scheduler runs jobs on their own tickers until Stop.
type Scheduler struct {
	run  Runner
	log  *slog.Logger
	jobs []*Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(run Runner, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{run: run, log: log.With("component", "schedule")}
}

// Add registers a job. Names must be unique within a scheduler.
func (s *Scheduler) Add(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("duplicate job name: %s", job.Name)
		}
	}
	job.sched, _ = Parse(job.Schedule)
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered job names in insertion order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Name
	}
	return out
}

// Start launches one loop per job. The loops end when ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *Job) {
	defer s.wg.Done()
	for {
		t := time.NewTimer(time.Until(j.sched.Next(time.Now())))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			if !j.running.CompareAndSwap(false, true) {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				if err := s.run(ctx, j); err != nil && ctx.Err() == nil {
					s.log.Debug("job failed", "job", j.Name, "command", j.Command, "error", err)
				}
			}()
		}
	}
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
