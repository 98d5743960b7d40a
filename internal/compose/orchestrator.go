package compose

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/internal/notification"
)

// ReleaseRequest asks for every update of a release requesting Request to be
// pushed.
type ReleaseRequest struct {
	Release string             `json:"release"`
	Request entity.RequestType `json:"request"`
}

// PushRequest is the "start push" instruction. With Resume set, failed or
// interrupted composes matching Requests (all of them when Requests is
// empty) are restarted instead of new ones created.
type PushRequest struct {
	Requests []ReleaseRequest `json:"requests"`
	Resume   bool             `json:"resume"`
	Agent    string           `json:"agent,omitempty"`
}

// Orchestrator turns push requests into compose jobs and runs them with a
// bounded number of workers.
type Orchestrator struct {
	deps        Deps
	cache       *TagCache
	sem         *semaphore.Weighted
	maxParallel int
	newExecutor func() Executor
	log         *logrus.Entry

	// creating jobs and claiming them in running is one critical section
	mu      sync.Mutex
	running map[string]bool
}

type Option func(*Orchestrator)

// WithExecutor replaces how workers are started. Tests use InlineExecutor to
// run jobs one after the other on the calling goroutine.
func WithExecutor(newExecutor func() Executor) Option {
	return func(o *Orchestrator) {
		o.newExecutor = newExecutor
	}
}

func NewOrchestrator(deps Deps, maxParallel int, opts ...Option) *Orchestrator {
	if maxParallel < 1 {
		maxParallel = 1
	}
	o := &Orchestrator{
		deps:        deps,
		cache:       NewTagCache(deps.Tags),
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		maxParallel: maxParallel,
		newExecutor: func() Executor { return &ConcurrentExecutor{} },
		running:     map[string]bool{},
		log:         logrus.WithField("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active is the number of composes claimed by this orchestrator that have
// not finished yet.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

func (o *Orchestrator) MaxParallel() int {
	return o.maxParallel
}

// Push creates or resumes the jobs req asks for, runs them and waits until
// every one of them reached a terminal state. Jobs for keys that already
// have an unfinished compose are not created again, so repeating a push is
// harmless. The returned jobs carry their final state.
func (o *Orchestrator) Push(ctx context.Context, req PushRequest) ([]entity.ComposeJob, error) {
	for _, r := range req.Requests {
		if !r.Request.Valid() {
			return nil, fmt.Errorf("invalid request type %q for %s", r.Request, r.Release)
		}
	}
	deps := o.deps
	if req.Agent != "" {
		deps.Agent = req.Agent
	}

	o.cache.Invalidate()

	jobs, err := o.claimJobs(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		o.log.WithField("requests", req.Requests).Info("nothing to compose, every requested compose is already running or has no updates")
		return jobs, nil
	}

	if err := deps.Publisher.Publish(ctx, notification.ComposeStart(deps.Agent, jobs)); err != nil {
		o.log.WithError(err).Warn("failed to publish compose.start")
	}

	workers := make([]*Worker, len(jobs))
	for i, job := range jobs {
		w, err := NewWorker(deps, job, o.cache)
		if err != nil {
			// nothing has started yet, so every claimed compose is released
			o.abandon(ctx, jobs, err)
			return jobs, err
		}
		workers[i] = w
	}

	executor := o.newExecutor()
	var acquireErr error
	for i, w := range workers {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			acquireErr = err
			o.abandon(ctx, jobs[i:], err)
			break
		}
		w := w
		executor.Go(func() {
			defer o.sem.Release(1)
			defer o.release(w.Job().ID)
			_ = w.Run(ctx)
		})
	}
	executor.Wait()

	for i, w := range workers {
		if w != nil && w.Job().State.Terminal() {
			jobs[i] = w.Job()
		}
	}
	if acquireErr != nil {
		return jobs, fmt.Errorf("push interrupted: %w", acquireErr)
	}
	return jobs, nil
}

func (o *Orchestrator) claimJobs(ctx context.Context, req PushRequest) ([]entity.ComposeJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var jobs []entity.ComposeJob
	if req.Resume {
		resumable, err := o.deps.Store.ResumableComposes(ctx)
		if err != nil {
			return nil, err
		}
		for _, job := range resumable {
			if o.running[job.ID] || !matches(req.Requests, job) {
				continue
			}
			resumed, err := o.deps.Store.ResumeCompose(ctx, job.ID)
			if err != nil {
				o.log.WithError(err).WithField("compose", job.ID).Error("failed to resume compose")
				continue
			}
			o.log.WithFields(logrus.Fields{"compose": job.ID, "key": job.Key().String()}).Info("resuming compose")
			jobs = append(jobs, resumed)
		}
	} else {
		for _, r := range req.Requests {
			created, err := o.deps.Store.CreateComposes(ctx, r.Release, r.Request)
			if err != nil {
				return nil, fmt.Errorf("failed to create composes for %s %s: %w", r.Release, r.Request, err)
			}
			jobs = append(jobs, created...)
		}
	}

	for _, job := range jobs {
		o.running[job.ID] = true
	}
	return jobs, nil
}

func matches(requests []ReleaseRequest, job entity.ComposeJob) bool {
	if len(requests) == 0 {
		return true
	}
	for _, r := range requests {
		if r.Release == job.Release && r.Request == job.Request {
			return true
		}
	}
	return false
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// abandon fails jobs that were claimed but never got a worker, releasing
// their updates.
func (o *Orchestrator) abandon(ctx context.Context, jobs []entity.ComposeJob, cause error) {
	ctx = context.WithoutCancel(ctx)
	for i, job := range jobs {
		jobs[i].State = entity.StateFailed
		jobs[i].Error = cause.Error()
		log := o.log.WithField("compose", job.ID)
		if err := o.deps.Store.SetComposeState(ctx, job.ID, entity.StateFailed, cause.Error()); err != nil {
			log.WithError(err).Error("failed to mark compose failed")
		}
		if err := o.deps.Store.UnlockUpdates(ctx, job.ID, false); err != nil {
			log.WithError(err).Error("failed to unlock updates")
		}
		o.release(job.ID)
	}
}
