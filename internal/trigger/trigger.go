// Package trigger carries push requests from the CLI and the HTTP API to the
// composer worker over the machinery queue.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	machinery "github.com/RichardKnop/machinery/v1"
	"github.com/RichardKnop/machinery/v1/backends/result"
	machineryConfig "github.com/RichardKnop/machinery/v1/config"
	"github.com/RichardKnop/machinery/v1/tasks"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/compose"
	"github.com/blankon/irgsh-composer/internal/entity"
)

const (
	TaskName = "push"
	Queue    = "irgsh-composer"
)

// Pusher runs a push to completion. *compose.Orchestrator implements it.
type Pusher interface {
	Push(ctx context.Context, req compose.PushRequest) ([]entity.ComposeJob, error)
}

// JobResult is what a finished push task reports for each of its composes.
type JobResult struct {
	ID    string              `json:"id"`
	Key   string              `json:"key"`
	State entity.ComposeState `json:"state"`
	Error string              `json:"error,omitempty"`
}

func NewServer(redisURL string) (*machinery.Server, error) {
	server, err := machinery.NewServer(
		&machineryConfig.Config{
			Broker:        redisURL,
			ResultBackend: redisURL,
			DefaultQueue:  Queue,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("could not create server: %w", err)
	}
	return server, nil
}

// NewSignature encodes req as the single string argument of a push task.
func NewSignature(req compose.PushRequest) (*tasks.Signature, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}
	return &tasks.Signature{
		Name: TaskName,
		UUID: uuid.New().String(),
		Args: []tasks.Arg{
			{
				Type:  "string",
				Value: string(payload),
			},
		},
	}, nil
}

// Send queues req and returns the task UUID.
func Send(server *machinery.Server, req compose.PushRequest) (string, error) {
	signature, err := NewSignature(req)
	if err != nil {
		return "", err
	}
	if _, err := server.SendTask(signature); err != nil {
		return "", fmt.Errorf("could not send push task: %w", err)
	}
	logrus.WithField("task", signature.UUID).Info("push queued")
	return signature.UUID, nil
}

// Status reports the machinery state of a queued push (PENDING, STARTED,
// SUCCESS, FAILURE).
func Status(server *machinery.Server, taskUUID string) string {
	signature := tasks.Signature{Name: TaskName, UUID: taskUUID}
	asyncResult := result.NewAsyncResult(&signature, server.GetBackend())
	asyncResult.Touch()
	return asyncResult.GetState().State
}

// PushTask adapts p to a machinery task function. The task fails only when
// the push itself could not run; failed composes are reported in the
// result.
func PushTask(p Pusher) func(ctx context.Context, payload string) (string, error) {
	return func(ctx context.Context, payload string) (string, error) {
		var req compose.PushRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return "", fmt.Errorf("invalid push payload: %w", err)
		}
		if signature := tasks.SignatureFromContext(ctx); signature != nil {
			logrus.WithField("task", signature.UUID).Info("push task received")
		}

		jobs, err := p.Push(ctx, req)
		if err != nil {
			return "", err
		}

		results := make([]JobResult, 0, len(jobs))
		for _, job := range jobs {
			results = append(results, JobResult{
				ID:    job.ID,
				Key:   job.Key().String(),
				State: job.State,
				Error: job.Error,
			})
		}
		out, err := json.Marshal(results)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

func Register(server *machinery.Server, p Pusher) error {
	return server.RegisterTask(TaskName, PushTask(p))
}

// Launch consumes push tasks until the worker stops. Pushes already dedupe
// against running composes, so more than one task may run at a time.
func Launch(server *machinery.Server, concurrency int) error {
	worker := server.NewWorker("composer", concurrency)
	return worker.Launch()
}
