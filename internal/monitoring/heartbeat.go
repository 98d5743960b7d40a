package monitoring

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Activity reports how busy the local composer is.
type Activity interface {
	Active() int
	MaxParallel() int
}

// InstanceUpdater is the part of Registry a heartbeat writes to.
type InstanceUpdater interface {
	UpdateInstance(ctx context.Context, info InstanceInfo) error
}

// GenerateInstanceID returns {hostname}-{type}, so a restarted composer
// keeps its registry entry.
func GenerateInstanceID(instanceType InstanceType) string {
	return fmt.Sprintf("%s-%s", Hostname(), instanceType)
}

func Hostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// Heartbeat periodically publishes the local composer's capacity and host
// metrics.
type Heartbeat struct {
	Registry InstanceUpdater
	Activity Activity
	Sampler  *HostSampler
	Workdir  string
	Interval time.Duration

	id    string
	start time.Time
}

func NewHeartbeat(registry InstanceUpdater, activity Activity, workdir string, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		Registry: registry,
		Activity: activity,
		Sampler:  NewHostSampler(),
		Workdir:  workdir,
		Interval: interval,
		id:       GenerateInstanceID(InstanceTypeComposer),
		start:    time.Now(),
	}
}

// Info builds the record sent on the next beat.
func (h *Heartbeat) Info() InstanceInfo {
	m := h.Sampler.Collect(h.Workdir)
	return InstanceInfo{
		InstanceID:     h.id,
		InstanceType:   InstanceTypeComposer,
		Hostname:       Hostname(),
		PID:            os.Getpid(),
		StartTime:      h.start,
		MaxParallel:    h.Activity.MaxParallel(),
		ActiveComposes: h.Activity.Active(),
		CPUUsage:       m.CPUUsage,
		MemoryUsage:    m.MemoryUsage,
		MemoryTotal:    m.MemoryTotal,
		DiskUsage:      m.DiskUsage,
		DiskTotal:      m.DiskTotal,
		Version:        Version,
	}
}

// Run beats immediately and then every Interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		if err := h.Registry.UpdateInstance(ctx, h.Info()); err != nil {
			logrus.WithError(err).Warn("failed to send heartbeat")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
