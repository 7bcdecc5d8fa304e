// Package placement picks the node a new instance is deployed to.
package placement

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"
)

// Strategy is a node placement policy.
type Strategy int

const (
	LeastVMs Strategy = iota
	RoundRobin
	Priority
	Random
)

var strategyNames = map[Strategy]string{
	LeastVMs:   "least_vms",
	RoundRobin: "round_robin",
	Priority:   "priority",
	Random:     "random",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy accepts the snake_case names used in configuration and requests.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for s, n := range strategyNames {
		if n == normalized {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown placement strategy %q (want least_vms, round_robin, priority or random)", name)
}

// Candidate is an eligible node with its live load.
type Candidate struct {
	Name      string
	Instances int
	Priority  int
}

// Pool is the input to one placement decision. Mapped lists every node that has the template
// mapped; Eligible is the subset that is active and under capacity.
type Pool struct {
	Template string
	Mapped   []string
	Eligible []Candidate
}

// Reason distinguishes why no node could be chosen.
type Reason string

const (
	ReasonNoMapping   Reason = "no_mapping"
	ReasonUnavailable Reason = "capacity"
)

// NoEligibleNodeError is returned when a pool has no eligible candidates.
type NoEligibleNodeError struct {
	Template string
	Reason   Reason
}

func (e *NoEligibleNodeError) Error() string {
	if e.Reason == ReasonNoMapping {
		return fmt.Sprintf("no eligible node for template '%s': no node has this template mapped", e.Template)
	}
	return fmt.Sprintf("no eligible node for template '%s': all mapped nodes are inactive or at capacity", e.Template)
}

// Selector owns the mutable state some strategies need. Each Selector has its own
// round-robin cursor, so independent selectors never affect each other.
type Selector struct {
	mu     sync.Mutex
	cursor string // last node returned by round_robin; empty before the first pick
	rng    *rand.Rand
}

// NewSelector returns a selector whose random strategy draws from rng. A nil rng is seeded
// from the clock.
func NewSelector(rng *rand.Rand) *Selector {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>1|1))
	}
	return &Selector{rng: rng}
}

// Select chooses a node from pool.Eligible under strategy.
func (s *Selector) Select(strategy Strategy, pool Pool) (string, error) {
	if len(pool.Eligible) == 0 {
		reason := ReasonUnavailable
		if len(pool.Mapped) == 0 {
			reason = ReasonNoMapping
		}
		return "", &NoEligibleNodeError{Template: pool.Template, Reason: reason}
	}

	switch strategy {
	case LeastVMs:
		return leastVMs(pool.Eligible), nil
	case Priority:
		return highestPriority(pool.Eligible), nil
	case RoundRobin:
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cursor = nextAfter(s.cursor, pool.Eligible)
		return s.cursor, nil
	case Random:
		s.mu.Lock()
		defer s.mu.Unlock()
		return pool.Eligible[s.rng.IntN(len(pool.Eligible))].Name, nil
	default:
		return "", fmt.Errorf("unsupported placement strategy %s", strategy)
	}
}

// Reset clears the round-robin cursor.
func (s *Selector) Reset() {
	s.mu.Lock()
	s.cursor = ""
	s.mu.Unlock()
}

func lessLoaded(a, b Candidate) bool {
	if a.Instances != b.Instances {
		return a.Instances < b.Instances
	}
	return a.Name < b.Name
}

func leastVMs(eligible []Candidate) string {
	best := eligible[0]
	for _, c := range eligible[1:] {
		if lessLoaded(c, best) {
			best = c
		}
	}
	return best.Name
}

func highestPriority(eligible []Candidate) string {
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.Priority > best.Priority || (c.Priority == best.Priority && lessLoaded(c, best)) {
			best = c
		}
	}
	return best.Name
}

// nextAfter returns the first eligible name sorted after cursor, wrapping to the smallest.
func nextAfter(cursor string, eligible []Candidate) string {
	names := make([]string, len(eligible))
	for i, c := range eligible {
		names[i] = c.Name
	}
	sort.Strings(names)
	for _, n := range names {
		if n > cursor {
			return n
		}
	}
	return names[0]
}
