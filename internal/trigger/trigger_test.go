package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blankon/irgsh-composer/internal/compose"
	"github.com/blankon/irgsh-composer/internal/entity"
)

type fakePusher struct {
	got  compose.PushRequest
	jobs []entity.ComposeJob
	err  error
}

func (f *fakePusher) Push(_ context.Context, req compose.PushRequest) ([]entity.ComposeJob, error) {
	f.got = req
	return f.jobs, f.err
}

func TestNewSignature(t *testing.T) {
	req := compose.PushRequest{
		Requests: []compose.ReleaseRequest{{Release: "F40", Request: entity.RequestTesting}},
		Agent:    "releng",
	}

	sig, err := NewSignature(req)
	require.NoError(t, err)
	assert.Equal(t, TaskName, sig.Name)
	assert.NotEmpty(t, sig.UUID)
	require.Len(t, sig.Args, 1)
	assert.Equal(t, "string", sig.Args[0].Type)

	var decoded compose.PushRequest
	require.NoError(t, json.Unmarshal([]byte(sig.Args[0].Value.(string)), &decoded))
	assert.Equal(t, req, decoded)

	other, err := NewSignature(req)
	require.NoError(t, err)
	assert.NotEqual(t, sig.UUID, other.UUID)
}

func TestPushTask(t *testing.T) {
	pusher := &fakePusher{jobs: []entity.ComposeJob{
		{ID: "c1", Release: "F40", Request: entity.RequestStable, ContentType: entity.ContentRPM, State: entity.StateSuccess},
		{ID: "c2", Release: "F40", Request: entity.RequestStable, ContentType: entity.ContentModule, State: entity.StateFailed, Error: "punge: boom"},
	}}

	sig, err := NewSignature(compose.PushRequest{Resume: true})
	require.NoError(t, err)

	out, err := PushTask(pusher)(context.Background(), sig.Args[0].Value.(string))
	require.NoError(t, err)
	assert.True(t, pusher.got.Resume)

	var results []JobResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, entity.StateSuccess, results[0].State)
	assert.Equal(t, entity.StateFailed, results[1].State)
	assert.Equal(t, "punge: boom", results[1].Error)
}

func TestPushTask_Errors(t *testing.T) {
	pusher := &fakePusher{err: errors.New("invalid request type")}
	task := PushTask(pusher)

	_, err := task(context.Background(), "{not json")
	assert.Error(t, err)

	_, err = task(context.Background(), `{"requests":[]}`)
	assert.EqualError(t, err, "invalid request type")

	pusher.err = nil
	out, err := task(context.Background(), `{"requests":[]}`)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}
