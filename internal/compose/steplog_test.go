package compose

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCheckpoints struct {
	marks map[string]map[string]bool
	err   error
}

func (m *memCheckpoints) Checkpoints(_ context.Context, id string) (map[string]bool, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]bool{}
	for k, v := range m.marks[id] {
		out[k] = v
	}
	return out, nil
}

func (m *memCheckpoints) MarkCheckpoint(_ context.Context, id, step string) error {
	if m.marks[id] == nil {
		m.marks[id] = map[string]bool{}
	}
	m.marks[id][step] = true
	return nil
}

func TestStepLog(t *testing.T) {
	ctx := context.Background()
	store := &memCheckpoints{marks: map[string]map[string]bool{"c1": {"first": true}}}

	log, err := LoadStepLog(ctx, store, "c1")
	require.NoError(t, err)
	assert.True(t, log.Done("first"))

	calls := map[string]int{}
	step := func(name string, err error) Step {
		return Step{Name: name, Run: func(context.Context) error {
			calls[name]++
			return err
		}}
	}

	ran, err := log.Run(ctx, step("first", nil))
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, calls["first"])

	ran, err = log.Run(ctx, step("second", errors.New("boom")))
	assert.True(t, ran)
	assert.EqualError(t, err, "second: boom")
	assert.False(t, log.Done("second"))
	assert.False(t, store.marks["c1"]["second"])

	ran, err = log.Run(ctx, step("second", nil))
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, calls["second"])
	assert.True(t, store.marks["c1"]["second"])

	// a new log for the same compose sees the persisted steps
	reloaded, err := LoadStepLog(ctx, store, "c1")
	require.NoError(t, err)
	assert.True(t, reloaded.Done("second"))

	_, err = LoadStepLog(ctx, &memCheckpoints{err: errors.New("db gone")}, "c1")
	assert.Error(t, err)
}
