// Package compose turns locked updates into published repositories. An
// Orchestrator creates one job per release, request and content type and
// hands each to a Worker that walks the job through its checkpointed steps.
package compose

import (
	"context"
	"errors"

	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/internal/runner"
)

// ErrNoBuilds fails a job that has nothing left to push.
var ErrNoBuilds = errors.New("no builds left to push")

// CheckpointStore persists completed steps of a compose.
type CheckpointStore interface {
	Checkpoints(ctx context.Context, composeID string) (map[string]bool, error)
	MarkCheckpoint(ctx context.Context, composeID, step string) error
}

// Store is the persistence the orchestrator and its workers need.
type Store interface {
	CheckpointStore

	CreateComposes(ctx context.Context, release string, request entity.RequestType) ([]entity.ComposeJob, error)
	ResumableComposes(ctx context.Context) ([]entity.ComposeJob, error)
	ResumeCompose(ctx context.Context, id string) (entity.ComposeJob, error)
	SetComposeState(ctx context.Context, id string, state entity.ComposeState, errMsg string) error
	SetComposeDir(ctx context.Context, id, dir string) error

	Release(ctx context.Context, name string) (entity.Release, error)
	ComposeUpdates(ctx context.Context, composeID string) ([]entity.Update, error)
	DetachUpdate(ctx context.Context, composeID, alias string) error
	UnlockUpdates(ctx context.Context, composeID string, success bool) error
	CompletePush(ctx context.Context, alias string, status entity.UpdateStatus, comment entity.Comment) error
	ExpireOverrides(ctx context.Context, nvrs []string) (int, error)
	MarkSigned(ctx context.Context, nvr string) error
}

// TagClient mutates build tags in the build system. Every call stands on
// its own; nothing spans several calls.
type TagClient interface {
	ListTags(ctx context.Context, nvr string) ([]string, error)
	MoveBuild(ctx context.Context, from, to, nvr string) error
	AddTag(ctx context.Context, tag, nvr string) error
	UntagBuild(ctx context.Context, tag, nvr string) error
}

type SignatureChecker interface {
	BuildSigned(ctx context.Context, nvr, sigkey string) (bool, error)
}

// Composer runs the compose tool and handles its output on disk.
type Composer interface {
	ComposeWorkdir(id string) string
	Compose(ctx context.Context, req runner.Request) (string, error)
	InsertUpdateinfo(ctx context.Context, id, dir string, layout runner.OutputLayout, path string) error
	SanityCheck(dir string, layout runner.OutputLayout) error
	Stage(key entity.ComposeKey, dir string) (string, error)
	WaitForSync(ctx context.Context, key entity.ComposeKey, dir string) error
	PublishImages(ctx context.Context, req runner.Request, builds []entity.Build) error
}
