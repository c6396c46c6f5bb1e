package calsync

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PairCounters tallies propagation outcomes for one directed backend
// pair within a cycle.
type PairCounters struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

func (p PairCounters) Total() int { return p.Created + p.Updated + p.Deleted }

// Counters maps a directed pair key ("google_to_outlook") to its
// tallies. Only configured pairs are present.
type Counters map[string]*PairCounters

// PairKey names a directed propagation pair.
func PairKey(from, to Backend) string {
	return string(from) + "_to_" + string(to)
}

// NewCounters pre-registers every directed pair between the given
// backends so a zero cycle still reports all pairs.
func NewCounters(backends []Backend) Counters {
	out := Counters{}
	for _, from := range backends {
		for _, to := range backends {
			if from == to {
				continue
			}
			out[PairKey(from, to)] = &PairCounters{}
		}
	}
	return out
}

func (c Counters) pair(from, to Backend) *PairCounters {
	key := PairKey(from, to)
	if c[key] == nil {
		c[key] = &PairCounters{}
	}
	return c[key]
}

func (c Counters) Total() int {
	total := 0
	for _, p := range c {
		total += p.Total()
	}
	return total
}

// String renders only the non-zero pairs, sorted, for cycle logs.
func (c Counters) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		if c[k].Total() > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "no changes"
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		p := c[k]
		parts = append(parts, fmt.Sprintf("%s: %d created, %d updated, %d deleted", k, p.Created, p.Updated, p.Deleted))
	}
	return strings.Join(parts, "; ")
}

// CycleReport summarizes one completed poll cycle for logs and the
// status feed.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Counters  Counters      `json:"counters"`
	Swept     bool          `json:"swept"`
	Purged    PurgeCounts   `json:"purged"`
	Err       string        `json:"error,omitempty"`
}
