package monitoring

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostSampler_CPUUsage(t *testing.T) {
	root := t.TempDir()
	writeStat := func(line string) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte(line+"\ncpu0 1 2 3 4 5\n"), 0644))
	}
	s := &HostSampler{procRoot: root}

	writeStat("cpu  100 0 100 800 0 0 0")
	assert.Zero(t, s.CPUUsage())

	// 100 busy out of 200 elapsed
	writeStat("cpu  150 0 150 900 0 0 0")
	assert.InDelta(t, 50.0, s.CPUUsage(), 0.001)

	assert.Nil(t, parseCPUStats(strings.NewReader("intr 1 2 3\n")))
}

func TestParseMemInfo(t *testing.T) {
	used, total := parseMemInfo(strings.NewReader("MemTotal:       16384 kB\nMemFree:  1024 kB\nMemAvailable:    4096 kB\n"))
	assert.Equal(t, uint64(16384*1024), total)
	assert.Equal(t, uint64(12288*1024), used)

	used, total = parseMemInfo(strings.NewReader("garbage\n"))
	assert.Zero(t, used)
	assert.Zero(t, total)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 GB", FormatBytes(2*1024*1024*1024))
}

func TestSummarize(t *testing.T) {
	summary := Summarize([]*InstanceInfo{
		{InstanceID: "a", InstanceType: InstanceTypeComposer, Status: StatusOnline, ActiveComposes: 2},
		{InstanceID: "b", InstanceType: InstanceTypeComposer, Status: StatusOnline, ActiveComposes: 1},
		{InstanceID: "c", InstanceType: InstanceTypeComposer, Status: StatusOffline, ActiveComposes: 3},
	})
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Online)
	assert.Equal(t, 1, summary.Offline)
	assert.Equal(t, 3, summary.ActiveComposes)
	assert.Equal(t, 3, summary.ByType["composer"])
}

type fakeActivity struct{ active, max int }

func (f fakeActivity) Active() int      { return f.active }
func (f fakeActivity) MaxParallel() int { return f.max }

type recordingUpdater struct {
	mu    sync.Mutex
	beats []InstanceInfo
}

func (r *recordingUpdater) UpdateInstance(_ context.Context, info InstanceInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats = append(r.beats, info)
	return nil
}

func (r *recordingUpdater) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}

func TestHeartbeat(t *testing.T) {
	updater := &recordingUpdater{}
	h := NewHeartbeat(updater, fakeActivity{active: 2, max: 3}, t.TempDir(), 5*time.Millisecond)

	info := h.Info()
	assert.Equal(t, InstanceTypeComposer, info.InstanceType)
	assert.True(t, strings.HasSuffix(info.InstanceID, "-composer"))
	assert.Equal(t, 2, info.ActiveComposes)
	assert.Equal(t, 3, info.MaxParallel)
	assert.Equal(t, os.Getpid(), info.PID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return updater.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

// TestRegistry needs a Redis server, e.g. REDIS_URL=redis://localhost:6379/15.
func TestRegistry(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()

	r, err := NewRegistry(ctx, url, 50*time.Millisecond)
	require.NoError(t, err)
	defer r.Close()

	info := InstanceInfo{InstanceID: "test-host-composer", InstanceType: InstanceTypeComposer, MaxParallel: 3, ActiveComposes: 1}
	require.NoError(t, r.UpdateInstance(ctx, info))
	defer r.client.Del(ctx, instanceKeyPrefix+info.InstanceID)

	got, err := r.GetInstance(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, 1, got.ActiveComposes)

	summary, err := r.GetSummary(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.Online, 1)
	assert.GreaterOrEqual(t, summary.ActiveComposes, 1)
	assert.GreaterOrEqual(t, summary.ByType[string(InstanceTypeComposer)], 1)

	time.Sleep(60 * time.Millisecond)
	offline, err := r.ListInstances(ctx, InstanceTypeComposer, StatusOffline)
	require.NoError(t, err)
	assert.NotEmpty(t, offline)

	_, err = r.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	r.client.Del(ctx, instanceKeyPrefix+info.InstanceID)
	removed, err := r.CleanupStaleInstances(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)
}
