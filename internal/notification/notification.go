// Package notification emits the messages other services consume to follow
// compose progress.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/entity"
)

const (
	TopicComposeStart     = "compose.start"
	TopicComposeComposing = "compose.composing"
	TopicComposeComplete  = "compose.complete"
	topicUpdateComplete   = "update.complete"
)

// Message is one outbound notification. Topic is relative to the configured
// topic prefix.
type Message struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	Body      interface{} `json:"body"`
	Summary   string      `json:"summary"`
	Timestamp time.Time   `json:"timestamp"`
}

type ComposeStartBody struct {
	Agent string              `json:"agent"`
	Keys  []entity.ComposeKey `json:"composes"`
}

type ComposeComposingBody struct {
	Agent     string            `json:"agent"`
	ComposeID string            `json:"compose_id"`
	Key       entity.ComposeKey `json:"compose"`
	Updates   []string          `json:"updates"`
}

type UpdateCompleteBody struct {
	Agent  string              `json:"agent"`
	Alias  string              `json:"alias"`
	Title  string              `json:"title"`
	Status entity.UpdateStatus `json:"status"`
}

type ComposeCompleteBody struct {
	Agent     string            `json:"agent"`
	ComposeID string            `json:"compose_id"`
	Key       entity.ComposeKey `json:"compose"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}

func newMessage(topic string, body interface{}, summary string) Message {
	return Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Body:      body,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	}
}

func ComposeStart(agent string, jobs []entity.ComposeJob) Message {
	keys := make([]entity.ComposeKey, 0, len(jobs))
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		keys = append(keys, j.Key())
		names = append(names, j.Key().String())
	}
	return newMessage(TopicComposeStart, ComposeStartBody{Agent: agent, Keys: keys},
		fmt.Sprintf("%s started a push of %s", agent, strings.Join(names, ", ")))
}

func ComposeComposing(agent string, job entity.ComposeJob, updates []entity.Update) Message {
	titles := make([]string, 0, len(updates))
	for _, u := range updates {
		titles = append(titles, u.Title)
	}
	return newMessage(TopicComposeComposing, ComposeComposingBody{
		Agent:     agent,
		ComposeID: job.ID,
		Key:       job.Key(),
		Updates:   titles,
	}, fmt.Sprintf("composing %s with %d updates", job.Key(), len(titles)))
}

// UpdateComplete is sent once per update after it reached its destination.
// The topic carries the destination, e.g. update.complete.stable.
func UpdateComplete(agent string, u entity.Update, request entity.RequestType) Message {
	status := request.DestinationStatus()
	return newMessage(topicUpdateComplete+"."+string(request), UpdateCompleteBody{
		Agent:  agent,
		Alias:  u.Alias,
		Title:  u.Title,
		Status: status,
	}, fmt.Sprintf("%s pushed to %s", u.Title, status))
}

func ComposeComplete(agent string, job entity.ComposeJob, success bool, cause error) Message {
	body := ComposeCompleteBody{
		Agent:     agent,
		ComposeID: job.ID,
		Key:       job.Key(),
		Success:   success,
	}
	summary := fmt.Sprintf("%s finished", job.Key())
	if cause != nil {
		body.Error = cause.Error()
		summary = fmt.Sprintf("%s failed: %v", job.Key(), cause)
	}
	return newMessage(TopicComposeComplete, body, summary)
}

// Publisher delivers messages to one destination.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Publishers fans a message out to every publisher. All of them are tried;
// their errors are joined.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes every message to the log. It is always part of the
// fan-out so notifications can be inspected without a broker.
type LogPublisher struct {
	Log *logrus.Entry
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	log := p.Log
	if log == nil {
		log = logrus.WithField("component", "notification")
	}
	log.WithFields(logrus.Fields{"topic": msg.Topic, "id": msg.ID}).Info(msg.Summary)
	return nil
}
