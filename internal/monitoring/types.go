package monitoring

import "time"

// InstanceType represents the kind of process registered in the registry
type InstanceType string

const (
	InstanceTypeComposer InstanceType = "composer"
)

type InstanceStatus string

const (
	StatusOnline  InstanceStatus = "online"
	StatusOffline InstanceStatus = "offline"
)

// InstanceInfo contains metadata about a composer instance
type InstanceInfo struct {
	InstanceID   string       `json:"instance_id"` // hostname-type
	InstanceType InstanceType `json:"instance_type"`
	Hostname     string       `json:"hostname"`
	PID          int          `json:"pid"`

	StartTime     time.Time `json:"start_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	Status InstanceStatus `json:"status"`

	// Capacity
	MaxParallel    int `json:"max_parallel"`
	ActiveComposes int `json:"active_composes"`

	// Host metrics, disk is measured on the compose workdir
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryTotal uint64  `json:"memory_total"`
	DiskUsage   uint64  `json:"disk_usage"`
	DiskTotal   uint64  `json:"disk_total"`

	Version string `json:"version"`
}

// InstanceSummary provides aggregate statistics
type InstanceSummary struct {
	Total          int            `json:"total"`
	Online         int            `json:"online"`
	Offline        int            `json:"offline"`
	ActiveComposes int            `json:"active_composes"`
	ByType         map[string]int `json:"by_type"`
}

type InstanceListResponse struct {
	Instances []*InstanceInfo `json:"instances"`
	Summary   InstanceSummary `json:"summary"`
}

// Summarize counts instances by status and type. Offline instances do not
// contribute to ActiveComposes.
func Summarize(instances []*InstanceInfo) InstanceSummary {
	summary := InstanceSummary{
		Total:  len(instances),
		ByType: make(map[string]int),
	}
	for _, instance := range instances {
		if instance.Status == StatusOnline {
			summary.Online++
			summary.ActiveComposes += instance.ActiveComposes
		} else {
			summary.Offline++
		}
		summary.ByType[string(instance.InstanceType)]++
	}
	return summary
}
