package partition

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardbridge/internal/protocol"
)

var (
	// ErrQueueEmpty is returned by Claim when every group is taken.
	ErrQueueEmpty = errors.New("no machine group left to claim")
	// ErrNoGroupSmallEnough is returned by Claim when a cluster limit is
	// given and every queued group is larger than the limit. The returned
	// error wraps it with the limit.
	ErrNoGroupSmallEnough = errors.New("no cluster list small enough")
)

// Claim is the result of a successful claim.
type Claim struct {
	// Group is the machine group handed out.
	Group protocol.Group

	// TotalShards is the shard count of the plan the group belongs to.
	TotalShards int

	// ClusterIDs numbers the clusters of Group globally.
	ClusterIDs []int
}

// Queue tracks the machine groups of the current plan that no connection
// holds yet.
//
// Lifecycle of a group:
//
//	Reset ──▶ queued ──Claim/Report──▶ held ──Release──▶ queued (tail)
//
// Invariants maintained by the queue:
//   - every queued group is a group of the current plan
//   - a group is never queued twice
//   - queued plus held groups never exceed the plan
//
// Ordering:
// Claim without a limit pops the head, so groups are handed out in plan
// order. Claim with a limit stable-sorts the queue by descending group
// size first; the reorder is kept, which matches what existing agents
// observe from the bridge.
//
// Thread Safety:
// All methods are safe for concurrent use. The plan is replaced as a
// whole by Reset and never mutated.
type Queue struct {
	mu     sync.Mutex
	plan   *Plan
	groups []protocol.Group
}

// NewQueue returns an empty queue with no plan.
func NewQueue() *Queue {
	return &Queue{}
}

// Reset installs p and queues every group of it in plan order, except the
// groups listed in held, which stay with their current holders. Each held
// entry covers one group of p. Groups of the previous plan are forgotten.
func (q *Queue) Reset(p *Plan, held ...protocol.Group) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.plan = p
	q.groups = nil
	if p == nil {
		return
	}
	rest := slices.Clone(held)
	for _, g := range p.Groups {
		if i := slices.IndexFunc(rest, func(h protocol.Group) bool { return EqualGroups(h, g) }); i >= 0 {
			rest = slices.Delete(rest, i, i+1)
			continue
		}
		q.groups = append(q.groups, g)
	}
}

// Plan returns the installed plan or nil.
func (q *Queue) Plan() *Plan {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.plan
}

// Claim hands out one group.
//
// With maxClusters <= 0 the head of the queue is returned. Otherwise the
// queue is stable-sorted by descending group size and the first group with
// fewer than maxClusters+1 clusters is taken from wherever it sits.
//
// Errors:
//   - ErrQueueEmpty when nothing is queued (also when no plan is installed)
//   - ErrNoGroupSmallEnough when the limit excludes every queued group;
//     the queue is left as sorted but otherwise untouched
func (q *Queue) Claim(maxClusters int) (Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.groups) == 0 {
		return Claim{}, ErrQueueEmpty
	}

	idx := 0
	if maxClusters > 0 {
		slices.SortStableFunc(q.groups, func(a, b protocol.Group) int {
			return len(b) - len(a)
		})
		idx = slices.IndexFunc(q.groups, func(g protocol.Group) bool {
			return len(g) < maxClusters+1
		})
		if idx < 0 {
			return Claim{}, fmt.Errorf("%w: none with less than %d clusters found", ErrNoGroupSmallEnough, maxClusters+1)
		}
	}

	g := q.groups[idx]
	q.groups = slices.Delete(q.groups, idx, idx+1)

	ids, err := q.plan.ClusterIDs(g)
	if err != nil {
		// Unreachable while the invariants hold; put the group back.
		q.groups = slices.Insert(q.groups, idx, g)
		return Claim{}, err
	}
	return Claim{Group: g, TotalShards: q.plan.TotalShards, ClusterIDs: ids}, nil
}

// Report removes g from the queue because an agent already hosts it. It
// returns false, leaving the queue untouched, when g is not queued.
func (q *Queue) Report(g protocol.Group) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(g)
	if idx < 0 {
		return false
	}
	q.groups = slices.Delete(q.groups, idx, idx+1)
	return true
}

// Release appends g to the tail of the queue so a later claim can take it
// over. Groups that are not part of the current plan, or are already
// queued, are ignored and false is returned.
func (q *Queue) Release(g protocol.Group) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(g) == 0 || q.plan == nil || q.plan.IndexOf(g) < 0 {
		return false
	}
	if q.indexOf(g) >= 0 {
		return false
	}
	q.groups = append(q.groups, g)
	return true
}

// Len returns the number of queued groups.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups)
}

// Snapshot returns a copy of the queued groups in queue order.
func (q *Queue) Snapshot() []protocol.Group {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.groups)
}

func (q *Queue) indexOf(g protocol.Group) int {
	return slices.IndexFunc(q.groups, func(candidate protocol.Group) bool {
		return EqualGroups(candidate, g)
	})
}

// EqualGroups compares two groups cluster by cluster.
func EqualGroups(a, b protocol.Group) bool {
	return slices.EqualFunc(a, b, func(x, y protocol.Cluster) bool {
		return slices.Equal(x, y)
	})
}
