package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blankon/irgsh-composer/internal/entity"
	"github.com/blankon/irgsh-composer/internal/notification"
	"github.com/blankon/irgsh-composer/internal/runner"
	"github.com/blankon/irgsh-composer/internal/storage"
)

// fakeTags is an in-memory build system. Calls are recorded in order.
type fakeTags struct {
	mu    sync.Mutex
	tags  map[string][]string
	calls []string
	lists int

	delay       time.Duration
	inFlight    int
	maxInFlight int
	beforeMove  func(nvr string)
	moveErr     error
}

func newFakeTags() *fakeTags {
	return &fakeTags{tags: map[string][]string{}}
}

func (f *fakeTags) set(nvr string, tags ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[nvr] = tags
}

func (f *fakeTags) get(nvr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags[nvr]...)
}

func (f *fakeTags) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTags) ListTags(_ context.Context, nvr string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	tags, ok := f.tags[nvr]
	if !ok {
		return nil, fmt.Errorf("no such build %s", nvr)
	}
	return append([]string(nil), tags...), nil
}

func (f *fakeTags) MoveBuild(_ context.Context, from, to, nvr string) error {
	if f.beforeMove != nil {
		f.beforeMove(nvr)
	}

	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.calls = append(f.calls, fmt.Sprintf("move %s %s->%s", nvr, from, to))
	if f.moveErr != nil {
		return f.moveErr
	}
	f.tags[nvr] = append(without(f.tags[nvr], from), to)
	return nil
}

func (f *fakeTags) AddTag(_ context.Context, tag, nvr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("add %s %s", nvr, tag))
	f.tags[nvr] = append(f.tags[nvr], tag)
	return nil
}

func (f *fakeTags) UntagBuild(_ context.Context, tag, nvr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("untag %s %s", nvr, tag))
	f.tags[nvr] = without(f.tags[nvr], tag)
	return nil
}

func without(tags []string, tag string) []string {
	var out []string
	for _, t := range tags {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

// fakeComposer records which runner operations were called.
type fakeComposer struct {
	mu      sync.Mutex
	workdir string
	calls   []string

	composeErr   error
	composePanic bool
	sanityErr    error
	started      chan struct{}
	unblock      chan struct{}
}

func newFakeComposer(t *testing.T) *fakeComposer {
	return &fakeComposer{workdir: t.TempDir()}
}

func (f *fakeComposer) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeComposer) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeComposer) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeComposer) ComposeWorkdir(id string) string {
	return filepath.Join(f.workdir, id)
}

func (f *fakeComposer) Compose(ctx context.Context, req runner.Request) (string, error) {
	f.record("compose")
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.unblock != nil {
		<-f.unblock
	}
	if f.composePanic {
		panic("compose tool exploded")
	}
	if f.composeErr != nil {
		return "", f.composeErr
	}
	dir := filepath.Join(f.workdir, "out", req.Key.String())
	return dir, os.MkdirAll(dir, 0755)
}

func (f *fakeComposer) InsertUpdateinfo(_ context.Context, id, dir string, _ runner.OutputLayout, path string) error {
	f.record("insert_updateinfo")
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

func (f *fakeComposer) SanityCheck(dir string, _ runner.OutputLayout) error {
	f.record("sanity_check")
	return f.sanityErr
}

func (f *fakeComposer) Stage(key entity.ComposeKey, dir string) (string, error) {
	f.record("stage")
	return filepath.Join(f.workdir, "publish", key.String()), nil
}

func (f *fakeComposer) WaitForSync(context.Context, entity.ComposeKey, string) error {
	f.record("wait_for_sync")
	return nil
}

func (f *fakeComposer) PublishImages(_ context.Context, _ runner.Request, builds []entity.Build) error {
	f.record("publish_images")
	return nil
}

type fakeSigner struct {
	mu     sync.Mutex
	signed map[string]int // polls left until signed
	calls  int
}

func (f *fakeSigner) BuildSigned(_ context.Context, nvr, sigkey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if sigkey != "a15b79cc" {
		return false, errors.New("wrong key")
	}
	if f.signed[nvr] > 0 {
		f.signed[nvr]--
		return false, nil
	}
	return true, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []notification.Message

	// the next failures messages on failTopic are rejected
	failTopic string
	failures  int
}

func (p *recordingPublisher) Publish(_ context.Context, msg notification.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 && msg.Topic == p.failTopic {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var topics []string
	for _, m := range p.messages {
		topics = append(topics, m.Topic)
	}
	return topics
}

func (p *recordingPublisher) last(topic string) notification.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.messages) - 1; i >= 0; i-- {
		if p.messages[i].Topic == topic {
			return p.messages[i]
		}
	}
	return notification.Message{}
}

const (
	candidateTag = "f40-updates-candidate"
	testingTag   = "f40-updates-testing"
	stableTag    = "f40-updates"
	signingTag   = "f40-signing-pending"
	pendingTest  = "f40-updates-testing-pending"
	pendingStab  = "f40-updates-pending"
	overrideTag  = "f40-override"
)

func testRelease(name string, state entity.ReleaseState) entity.Release {
	return entity.Release{
		Name:              name,
		LongName:          "Fedora " + name,
		IDPrefix:          "FEDORA",
		State:             state,
		CandidateTag:      candidateTag,
		TestingTag:        testingTag,
		StableTag:         stableTag,
		PendingSigningTag: signingTag,
		PendingTestingTag: pendingTest,
		PendingStableTag:  pendingStab,
		OverrideTag:       overrideTag,
	}
}

type harness struct {
	store     *storage.Store
	tags      *fakeTags
	composer  *fakeComposer
	signer    *fakeSigner
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		store:     storage.NewStore(db, 100),
		tags:      newFakeTags(),
		composer:  newFakeComposer(t),
		signer:    &fakeSigner{signed: map[string]int{}},
		publisher: &recordingPublisher{},
	}
	require.NoError(t, h.store.SaveRelease(context.Background(), testRelease("F40", entity.ReleaseCurrent)))
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Store:                 h.store,
		Tags:                  h.tags,
		Signatures:            h.signer,
		Composer:              h.composer,
		Publisher:             h.publisher,
		Agent:                 "irgsh",
		SigningKey:            "a15b79cc",
		SignatureTimeout:      time.Second,
		SignaturePollInterval: time.Millisecond,
	}
}

func (h *harness) orchestrator(maxParallel int, opts ...Option) *Orchestrator {
	return NewOrchestrator(h.deps(), maxParallel, opts...)
}

func (h *harness) addUpdate(t *testing.T, u entity.Update) {
	t.Helper()
	if u.Release == "" {
		u.Release = "F40"
	}
	if u.Title == "" {
		u.Title = u.Alias
	}
	require.NoError(t, h.store.SaveUpdate(context.Background(), u))
}

func (h *harness) update(t *testing.T, alias string) *entity.Update {
	t.Helper()
	u, err := h.store.GetUpdate(context.Background(), alias)
	require.NoError(t, err)
	return u
}

func builds(nvrs ...string) []entity.Build {
	var out []entity.Build
	for _, nvr := range nvrs {
		out = append(out, entity.Build{NVR: nvr})
	}
	return out
}

func push(release string, request entity.RequestType) PushRequest {
	return PushRequest{Requests: []ReleaseRequest{{Release: release, Request: request}}}
}
