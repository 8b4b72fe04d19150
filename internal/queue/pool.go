package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/notch8/bulkrax/internal/logging"
	"github.com/notch8/bulkrax/internal/models"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job. A non-nil error hands the job back to
// the queue for a backoff retry.
type Handler func(ctx context.Context, job *models.Job) error

// Pool defaults.
const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 2 * time.Second
)

// PoolOptions configure a Pool. HeartbeatInterval is how often a running
// job's lock is refreshed and must be well under the stale cutoff passed to
// ReleaseStale. Name prefixes worker IDs and defaults to the hostname and
// pid.
type PoolOptions struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Name              string
}

// Pool runs Concurrency workers that claim and run jobs.
type Pool struct {
	q        *Queue
	opts     PoolOptions
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewPool returns a pool draining q.
func NewPool(q *Queue, opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		host, _ := os.Hostname()
		opts.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Pool{q: q, opts: opts, handlers: make(map[string]Handler)}
}

// Register installs the handler for kind, replacing any previous one.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Kinds returns the registered job kinds, sorted.
func (p *Pool) Kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) handler(kind string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	return p.run(ctx, false)
}

// Drain runs the workers until no pending or running jobs remain, waiting
// out delayed jobs. It returns early if ctx is cancelled.
func (p *Pool) Drain(ctx context.Context) error {
	return p.run(ctx, true)
}

func (p *Pool) run(ctx context.Context, drain bool) error {
	ctx = logging.NewContext(ctx, p.opts.Logger)
	g, gctx := errgroup.WithContext(ctx)
	kinds := p.Kinds()

	for i := 0; i < p.opts.Concurrency; i++ {
		worker := fmt.Sprintf("%s/%d", p.opts.Name, i)
		g.Go(func() error {
			return p.work(gctx, worker, kinds, drain)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, worker string, kinds []string, drain bool) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := p.q.Claim(ctx, worker, kinds)
		if err != nil {
			p.opts.Logger.Error("claim failed", "worker", worker, "error", err)
			sleepWithContext(ctx, p.opts.PollInterval)
			continue
		}
		if job != nil {
			p.process(ctx, worker, job)
			continue
		}

		if drain {
			done, err := p.idle(ctx, kinds)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}
		sleepWithContext(ctx, p.opts.PollInterval)
	}
}

// idle waits for the next pending job in drain mode. It reports done when the
// queue is empty.
func (p *Pool) idle(ctx context.Context, kinds []string) (bool, error) {
	n, err := p.q.Outstanding(ctx, kinds...)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	wait := p.opts.PollInterval
	next, err := p.q.NextRunAt(ctx, kinds...)
	if err != nil {
		return false, err
	}
	if next != nil {
		if d := time.Until(*next); d < wait {
			wait = d
		}
	}
	// Running jobs on other workers may still enqueue more work.
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	sleepWithContext(ctx, wait)
	return false, nil
}

func (p *Pool) process(ctx context.Context, worker string, job *models.Job) {
	ctx = logging.WithFields(ctx, "job_id", job.ID, "kind", job.Kind)
	log := logging.FromContext(ctx)

	jobCtx, cancel := context.WithCancel(ctx)
	beat := StartHeartbeat(jobCtx, p.q, job, p.opts.HeartbeatInterval)
	go func() {
		select {
		case herr := <-beat:
			// Another worker may own the job now; stop this run of it.
			log.Error("job heartbeat stopped, cancelling handler", "worker", worker, "error", herr)
			cancel()
		case <-jobCtx.Done():
		}
	}()
	err := p.invoke(jobCtx, job)
	cancel()

	if err == nil {
		if ferr := p.q.Finish(ctx, job); ferr != nil {
			log.Error("finish job", "error", ferr)
		}
		return
	}

	dead, rerr := p.q.Retry(ctx, job, err)
	if errors.Is(rerr, ErrLockLost) {
		log.Warn("job claimed elsewhere, dropping result", "worker", worker, "error", err)
		return
	}
	if rerr != nil {
		log.Error("reschedule job", "error", rerr)
		return
	}
	if dead {
		log.Error("job dead", "attempts", job.Attempts, "error", err)
		return
	}
	log.Warn("job failed, will retry", "worker", worker, "attempts", job.Attempts, "error", err)
}

func (p *Pool) invoke(ctx context.Context, job *models.Job) (err error) {
	h, ok := p.handler(job.Kind)
	if !ok {
		return fmt.Errorf("queue: no handler for kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler %s panicked: %v\n%s", job.Kind, r, debug.Stack())
		}
	}()
	return h(ctx, job)
}

// sleepWithContext sleeps for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
