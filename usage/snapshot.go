package usage

import (
	"sort"
	"time"

	"github.com/dentamind/dispatch/category"
)

// CategoryStats is a point-in-time view of one category's activity.
type CategoryStats struct {
	Category category.Category `json:"category"`

	Waiting  int `json:"waiting"`
	InFlight int `json:"in_flight"`

	Admitted  uint64 `json:"admitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`

	Tokens uint64 `json:"tokens"`

	// AvgLatency is mean settlement latency across all settled requests.
	AvgLatency time.Duration `json:"avg_latency"`
	MaxLatency time.Duration `json:"max_latency"`

	// CompletedPerMinute is completions over the trailing sixty seconds.
	CompletedPerMinute int `json:"completed_per_minute"`
}

// CredentialStats is a point-in-time view of one credential's usage.
type CredentialStats struct {
	Name     string `json:"name"`
	Calls    uint64 `json:"calls"`
	Failures uint64 `json:"failures"`
	Tokens   uint64 `json:"tokens"`
}

// Snapshot is a consistent copy of all tracked counters.
type Snapshot struct {
	TakenAt     time.Time         `json:"taken_at"`
	Categories  []CategoryStats   `json:"categories"`
	Credentials []CredentialStats `json:"credentials"`
}

// Category returns the stats for c, or a zero value when the category
// has seen no activity.
func (s Snapshot) Category(c category.Category) CategoryStats {
	for _, cs := range s.Categories {
		if cs.Category == c {
			return cs
		}
	}
	return CategoryStats{Category: c}
}

// Snapshot copies the tracker's counters. Categories and credentials
// are sorted by name for stable output.
func (t *Tracker) Snapshot() Snapshot {
	now := time.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{TakenAt: now}

	for c, cc := range t.cats {
		cs := CategoryStats{
			Category:           c,
			Waiting:            cc.waiting,
			InFlight:           cc.inFlight,
			Admitted:           cc.admitted,
			Completed:          cc.completed,
			Failed:             cc.failed,
			TimedOut:           cc.timedOut,
			Cancelled:          cc.cancelled,
			Rejected:           cc.rejected,
			Tokens:             cc.tokens,
			MaxLatency:         cc.maxLatency,
			CompletedPerMinute: cc.recent.sum(now),
		}
		settled := cc.completed + cc.failed + cc.timedOut + cc.cancelled
		if settled > 0 {
			cs.AvgLatency = cc.totalLatency / time.Duration(settled)
		}
		snap.Categories = append(snap.Categories, cs)
	}
	sort.Slice(snap.Categories, func(i, j int) bool {
		return snap.Categories[i].Category < snap.Categories[j].Category
	})

	for name, cr := range t.creds {
		snap.Credentials = append(snap.Credentials, CredentialStats{
			Name:     name,
			Calls:    cr.calls,
			Failures: cr.failures,
			Tokens:   cr.tokens,
		})
	}
	sort.Slice(snap.Credentials, func(i, j int) bool {
		return snap.Credentials[i].Name < snap.Credentials[j].Name
	})

	return snap
}
