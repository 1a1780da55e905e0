package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

// latencyBucketsMs are upper bounds; the last bucket is open-ended.
var latencyBucketsMs = []int64{10, 50, 100, 250, 500, 1000, 2500, 5000}

// Collector aggregates auth and sync metrics in memory. Recording only takes
// a short mutex so the core is never held up by telemetry.
type Collector struct {
	authTotal      atomic.Int64
	authSuspicious atomic.Int64
	syncTotal      atomic.Int64

	mu            sync.Mutex
	authByOutcome map[string]int64
	authLatency   []int64
	syncByOutcome map[string]int64
	syncLatency   []int64
	startedAt     time.Time
}

func NewCollector() *Collector {
	return &Collector{
		authByOutcome: make(map[string]int64),
		authLatency:   make([]int64, len(latencyBucketsMs)+1),
		syncByOutcome: make(map[string]int64),
		syncLatency:   make([]int64, len(latencyBucketsMs)+1),
		startedAt:     time.Now().UTC(),
	}
}

func (c *Collector) RecordAuth(m ports.AuthMetric) {
	c.authTotal.Add(1)
	if m.Suspicious {
		c.authSuspicious.Add(1)
	}
	key := string(m.BiometricType) + "/" + string(m.Result)
	if m.Reason != "" {
		key += "/" + string(m.Reason)
	}
	c.mu.Lock()
	c.authByOutcome[key]++
	c.authLatency[bucketFor(m.Duration)]++
	c.mu.Unlock()
}

func (c *Collector) RecordSync(m ports.SyncMetric) {
	c.syncTotal.Add(1)
	key := string(m.Direction) + "/" + string(m.Result)
	c.mu.Lock()
	c.syncByOutcome[key]++
	c.syncLatency[bucketFor(m.Duration)]++
	c.mu.Unlock()
}

func bucketFor(d time.Duration) int {
	ms := d.Milliseconds()
	for i, upper := range latencyBucketsMs {
		if ms <= upper {
			return i
		}
	}
	return len(latencyBucketsMs)
}

type Bucket struct {
	LessOrEqualMs int64 `json:"le_ms"`
	Count         int64 `json:"count"`
}

type Snapshot struct {
	StartedAt      time.Time        `json:"started_at"`
	AuthTotal      int64            `json:"auth_total"`
	AuthSuspicious int64            `json:"auth_suspicious"`
	AuthByOutcome  map[string]int64 `json:"auth_by_outcome"`
	AuthLatency    []Bucket         `json:"auth_latency"`
	SyncTotal      int64            `json:"sync_total"`
	SyncByOutcome  map[string]int64 `json:"sync_by_outcome"`
	SyncLatency    []Bucket         `json:"sync_latency"`
}

// Snapshot copies the current counters. Open-ended buckets report le_ms -1.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		StartedAt:      c.startedAt,
		AuthTotal:      c.authTotal.Load(),
		AuthSuspicious: c.authSuspicious.Load(),
		AuthByOutcome:  copyCounts(c.authByOutcome),
		AuthLatency:    toBuckets(c.authLatency),
		SyncTotal:      c.syncTotal.Load(),
		SyncByOutcome:  copyCounts(c.syncByOutcome),
		SyncLatency:    toBuckets(c.syncLatency),
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toBuckets(counts []int64) []Bucket {
	out := make([]Bucket, 0, len(counts))
	for i, n := range counts {
		upper := int64(-1)
		if i < len(latencyBucketsMs) {
			upper = latencyBucketsMs[i]
		}
		out = append(out, Bucket{LessOrEqualMs: upper, Count: n})
	}
	return out
}
