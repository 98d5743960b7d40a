package compose

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/internal/notification"
	"github.com/blankon/irgsh-composer/internal/runner"
	"github.com/blankon/irgsh-composer/internal/updateinfo"
	"github.com/blankon/irgsh-composer/pkg/systemutil"
)

// Deps are the collaborators shared by every worker of an orchestrator.
type Deps struct {
	Store      Store
	Tags       TagClient
	Signatures SignatureChecker
	Composer   Composer
	Publisher  notification.Publisher
	Agent      string

	SigningKey            string
	SignatureTimeout      time.Duration
	SignaturePollInterval time.Duration
}

// Worker drives a single compose job through its steps. Steps run strictly
// one after the other.
type Worker struct {
	deps    Deps
	job     entity.ComposeJob
	content Content
	cache   *TagCache
	log     *logrus.Entry

	release    entity.Release
	updates    []entity.Update
	builds     []entity.Build
	composeDir string
	steps      *StepLog
}

func NewWorker(deps Deps, job entity.ComposeJob, cache *TagCache) (*Worker, error) {
	content, err := ContentFor(job.ContentType)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewTagCache(deps.Tags)
	}
	return &Worker{
		deps:       deps,
		job:        job,
		content:    content,
		cache:      cache,
		composeDir: job.ComposeDir,
		log: logrus.WithFields(logrus.Fields{
			"compose":      job.ID,
			"release":      job.Release,
			"request":      job.Request,
			"content_type": job.ContentType,
		}),
	}, nil
}

func (w *Worker) Job() entity.ComposeJob {
	return w.job
}

// Run executes the job to a terminal state and returns the error that
// failed it, if any. Whatever happens, the job's updates are unlocked and a
// compose.complete message is published before Run returns.
func (w *Worker) Run(ctx context.Context) (err error) {
	start := time.Now()
	RunningComposes.Inc()
	defer RunningComposes.Dec()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compose panicked: %v", r)
			w.log.WithField("stack", string(debug.Stack())).Error(err)
		}
		w.finish(context.WithoutCancel(ctx), err, start)
	}()

	if err := w.setState(ctx, entity.StatePending); err != nil {
		return err
	}
	if err := w.setState(ctx, entity.StateInitializing); err != nil {
		return err
	}
	if err := w.initialize(ctx); err != nil {
		return err
	}

	steps, err := LoadStepLog(ctx, w.deps.Store, w.job.ID)
	if err != nil {
		return err
	}
	w.steps = steps

	for _, step := range w.stepTable() {
		if err := w.setState(ctx, step.State); err != nil {
			return err
		}
		log := w.log.WithField("step", step.Name)
		ran, err := w.steps.Run(ctx, step)
		if err != nil {
			return err
		}
		if ran {
			log.Info("step completed")
		} else {
			log.Info("step already completed, skipping")
		}
	}

	return w.setState(ctx, entity.StateSuccess)
}

// stepTable lists the steps that apply to this job, in order.
func (w *Worker) stepTable() []Step {
	generated := w.content.IsGeneratedRepo()

	steps := []Step{
		{Name: "determine_and_perform_tag_actions", State: entity.StateInitializing, Run: w.tagActions},
	}
	if generated {
		steps = append(steps,
			Step{Name: "generate_updateinfo", State: entity.StateUpdateinfo, Run: w.generateUpdateinfo},
			Step{Name: "punge", State: entity.StatePunging, Run: w.punge},
			Step{Name: "insert_updateinfo", State: entity.StatePunging, Run: w.insertUpdateinfo},
			Step{Name: "sanity_check", State: entity.StatePunging, Run: w.sanityCheck},
			Step{Name: "stage_repo", State: entity.StateSyncingRepo, Run: w.stageRepo},
		)
	} else {
		steps = append(steps, Step{Name: "publish_images", State: entity.StatePunging, Run: w.publishImages})
	}
	if w.job.Security {
		steps = append(steps, Step{Name: "wait_for_signature", State: entity.StateSyncingRepo, Run: w.waitForSignature})
	}
	if generated {
		steps = append(steps, Step{Name: "wait_for_sync", State: entity.StateSyncingRepo, Run: w.waitForSync})
	}
	return append(steps, Step{Name: "notify_updates", State: entity.StateNotifying, Run: w.notifyUpdates})
}

func (w *Worker) setState(ctx context.Context, state entity.ComposeState) error {
	if w.job.State == state {
		return nil
	}
	if !w.job.State.CanTransition(state) {
		return fmt.Errorf("invalid compose state transition %s -> %s", w.job.State, state)
	}
	if err := w.deps.Store.SetComposeState(ctx, w.job.ID, state, ""); err != nil {
		return fmt.Errorf("failed to set compose state: %w", err)
	}
	w.log.WithField("state", state).Debug("compose state changed")
	w.job.State = state
	return nil
}

// initialize settles which updates and builds the job carries. Updates
// whose request changed since the job was created are detached; updates
// already pushed by an earlier attempt stay.
func (w *Worker) initialize(ctx context.Context) error {
	release, err := w.deps.Store.Release(ctx, w.job.Release)
	if err != nil {
		return err
	}
	w.release = release

	updates, err := w.deps.Store.ComposeUpdates(ctx, w.job.ID)
	if err != nil {
		return err
	}

	destination := w.job.Request.DestinationStatus()
	w.updates = w.updates[:0]
	w.builds = nil
	for _, u := range updates {
		keep := u.Request == w.job.Request || (u.Request == "" && u.Status == destination)
		if !keep {
			w.log.WithField("update", u.Alias).Warn("update request changed, removing it from the compose")
			if err := w.deps.Store.DetachUpdate(ctx, w.job.ID, u.Alias); err != nil {
				return err
			}
			continue
		}
		w.updates = append(w.updates, u)
		w.builds = append(w.builds, u.Builds...)
	}

	if len(w.builds) == 0 {
		return ErrNoBuilds
	}
	entity.SortBuilds(w.builds)
	w.job.UpdateCount = len(w.updates)

	if err := w.deps.Publisher.Publish(ctx, notification.ComposeComposing(w.deps.Agent, w.job, w.updates)); err != nil {
		w.log.WithError(err).Warn("failed to publish compose.composing")
	}
	return nil
}

func (w *Worker) runnerRequest() runner.Request {
	return runner.Request{ID: w.job.ID, Key: w.job.Key(), Security: w.job.Security}
}

func (w *Worker) updateinfoPath() string {
	return filepath.Join(w.deps.Composer.ComposeWorkdir(w.job.ID), updateinfo.FileName)
}

func (w *Worker) generateUpdateinfo(ctx context.Context) error {
	doc, err := updateinfo.Build(w.release, w.updates, w.job.Request, time.Now())
	if err != nil {
		return err
	}
	return doc.WriteFile(w.updateinfoPath())
}

func (w *Worker) punge(ctx context.Context) error {
	dir, err := w.deps.Composer.Compose(ctx, w.runnerRequest())
	if err != nil {
		return err
	}
	if err := w.deps.Store.SetComposeDir(ctx, w.job.ID, dir); err != nil {
		return err
	}
	w.composeDir = dir
	w.job.ComposeDir = dir
	w.log.WithField("dir", dir).Info("compose finished")
	return nil
}

func (w *Worker) requireComposeDir() error {
	if w.composeDir == "" {
		return errors.New("compose directory unknown, the compose tool has not run")
	}
	return nil
}

func (w *Worker) insertUpdateinfo(ctx context.Context) error {
	if err := w.requireComposeDir(); err != nil {
		return err
	}
	return w.deps.Composer.InsertUpdateinfo(ctx, w.job.ID, w.composeDir, w.content.ExpectedOutputLayout(), w.updateinfoPath())
}

func (w *Worker) sanityCheck(ctx context.Context) error {
	if err := w.requireComposeDir(); err != nil {
		return err
	}
	return w.deps.Composer.SanityCheck(w.composeDir, w.content.ExpectedOutputLayout())
}

func (w *Worker) stageRepo(ctx context.Context) error {
	if err := w.requireComposeDir(); err != nil {
		return err
	}
	_, err := w.deps.Composer.Stage(w.job.Key(), w.composeDir)
	return err
}

func (w *Worker) publishImages(ctx context.Context) error {
	return w.deps.Composer.PublishImages(ctx, w.runnerRequest(), w.builds)
}

func (w *Worker) waitForSync(ctx context.Context) error {
	if err := w.requireComposeDir(); err != nil {
		return err
	}
	return w.deps.Composer.WaitForSync(ctx, w.job.Key(), w.composeDir)
}

// waitForSignature polls the build system until every build of the job is
// signed with the configured key.
func (w *Worker) waitForSignature(ctx context.Context) error {
	if w.deps.Signatures == nil || w.deps.SigningKey == "" {
		w.log.Warn("no signing key configured, not waiting for signatures")
		return nil
	}

	var pending []string
	for _, b := range w.builds {
		if !b.Signed {
			pending = append(pending, b.NVR)
		}
	}

	return systemutil.Poll(ctx, w.deps.SignaturePollInterval, w.deps.SignatureTimeout, func(ctx context.Context) (bool, error) {
		remaining := pending[:0]
		for _, nvr := range pending {
			signed, err := w.deps.Signatures.BuildSigned(ctx, nvr, w.deps.SigningKey)
			if err != nil {
				return false, err
			}
			if !signed {
				remaining = append(remaining, nvr)
				continue
			}
			if err := w.deps.Store.MarkSigned(ctx, nvr); err != nil {
				return false, err
			}
		}
		pending = remaining
		if len(pending) > 0 {
			w.log.WithField("unsigned", len(pending)).Info("waiting for builds to be signed")
		}
		return len(pending) == 0, nil
	})
}

// notifyUpdates completes the push of every update still carrying the
// request. Updates completed by an earlier attempt have none. The message
// goes out before the request is cleared, so an update whose message could
// not be published is completed again on resume.
func (w *Worker) notifyUpdates(ctx context.Context) error {
	status := w.job.Request.DestinationStatus()
	for i, u := range w.updates {
		if u.Request == "" {
			continue
		}
		if err := w.deps.Publisher.Publish(ctx, notification.UpdateComplete(w.deps.Agent, u, w.job.Request)); err != nil {
			return fmt.Errorf("update %s: %w", u.Alias, err)
		}

		comment := entity.Comment{
			Author: w.deps.Agent,
			Text:   fmt.Sprintf("This update has been pushed to %s.", status),
		}
		if err := w.deps.Store.CompletePush(ctx, u.Alias, status, comment); err != nil {
			return fmt.Errorf("update %s: %w", u.Alias, err)
		}
		w.updates[i].Request = ""
		w.updates[i].Status = status
	}
	return nil
}

// finish records the outcome. It runs on a context that outlives
// cancellation of the push so locks are always released.
func (w *Worker) finish(ctx context.Context, runErr error, start time.Time) {
	result := "success"
	if runErr != nil {
		result = "failed"
		w.log.WithError(runErr).Error("compose failed")
		if err := w.deps.Store.SetComposeState(ctx, w.job.ID, entity.StateFailed, runErr.Error()); err != nil {
			w.log.WithError(err).Error("failed to mark compose failed")
		}
		w.job.State = entity.StateFailed
		w.job.Error = runErr.Error()
	} else {
		w.log.WithField("duration", time.Since(start).Round(time.Second)).Info("compose succeeded")
	}

	if err := w.deps.Store.UnlockUpdates(ctx, w.job.ID, runErr == nil); err != nil {
		w.log.WithError(err).Error("failed to unlock updates")
	}

	msg := notification.ComposeComplete(w.deps.Agent, w.job, runErr == nil, runErr)
	if err := w.deps.Publisher.Publish(ctx, msg); err != nil {
		w.log.WithError(err).Warn("failed to publish compose.complete")
	}

	composeDuration.WithLabelValues(string(w.job.ContentType), string(w.job.Request), result).Observe(time.Since(start).Seconds())
}
