package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeState_CanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to ComposeState
		want     bool
	}{
		{"forward one step", StateRequested, StatePending, true},
		{"forward skipping", StateInitializing, StateNotifying, true},
		{"backwards", StatePunging, StateUpdateinfo, false},
		{"same state", StatePunging, StatePunging, false},
		{"fail from in-progress", StateSyncingRepo, StateFailed, true},
		{"fail from requested", StateRequested, StateFailed, true},
		{"leave success", StateSuccess, StateFailed, false},
		{"leave failed", StateFailed, StatePending, false},
		{"unknown target", StatePending, ComposeState("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestComposeKey_String(t *testing.T) {
	job := ComposeJob{Release: "F40", Request: RequestTesting, ContentType: ContentRPM}
	assert.Equal(t, "F40-testing-rpm", job.Key().String())
}

func TestRequestType_DestinationStatus(t *testing.T) {
	assert.Equal(t, UpdateStatusTesting, RequestTesting.DestinationStatus())
	assert.Equal(t, UpdateStatusStable, RequestStable.DestinationStatus())
	assert.True(t, RequestStable.Valid())
	assert.False(t, RequestType("batched").Valid())
}
