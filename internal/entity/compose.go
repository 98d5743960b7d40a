package entity

import (
	"fmt"
	"time"
)

type ComposeState string

const (
	StateRequested    ComposeState = "requested"
	StatePending      ComposeState = "pending"
	StateInitializing ComposeState = "initializing"
	StateUpdateinfo   ComposeState = "updateinfo"
	StatePunging      ComposeState = "punging"
	StateSyncingRepo  ComposeState = "syncing_repo"
	StateNotifying    ComposeState = "notifying"
	StateSuccess      ComposeState = "success"
	StateFailed       ComposeState = "failed"
)

var stateRank = map[ComposeState]int{
	StateRequested:    0,
	StatePending:      1,
	StateInitializing: 2,
	StateUpdateinfo:   3,
	StatePunging:      4,
	StateSyncingRepo:  5,
	StateNotifying:    6,
	StateSuccess:      7,
}

func (s ComposeState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

func (s ComposeState) Valid() bool {
	_, ok := stateRank[s]
	return ok || s == StateFailed
}

// CanTransition reports whether a compose in state s may move to next.
// States only move forward; failed is reachable from any state that is not
// terminal.
func (s ComposeState) CanTransition(next ComposeState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	return to > from
}

// ComposeKey identifies a compose. At most one unfinished compose exists per key.
type ComposeKey struct {
	Release     string      `json:"release"`
	Request     RequestType `json:"request"`
	ContentType ContentType `json:"content_type"`
}

func (k ComposeKey) String() string {
	return fmt.Sprintf("%s-%s-%s", k.Release, k.Request, k.ContentType)
}

type ComposeJob struct {
	ID          string          `json:"id"`
	Release     string          `json:"release"`
	Request     RequestType     `json:"request"`
	ContentType ContentType     `json:"content_type"`
	Security    bool            `json:"security"`
	State       ComposeState    `json:"state"`
	ComposeDir  string          `json:"compose_dir,omitempty"`
	Error       string          `json:"error,omitempty"`
	Checkpoints map[string]bool `json:"checkpoints,omitempty"`
	UpdateCount int             `json:"update_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (j ComposeJob) Key() ComposeKey {
	return ComposeKey{Release: j.Release, Request: j.Request, ContentType: j.ContentType}
}
