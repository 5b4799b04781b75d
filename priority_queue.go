package jobsched

import (
	"container/heap"
	"time"
)

// tierHeap is a min-heap of jobs ordered by creation time, then by
// submission sequence for jobs created in the same instant.
type tierHeap []*Job

func (h tierHeap) Len() int { return len(h) }
func (h tierHeap) Less(i, j int) bool {
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}
func (h tierHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *tierHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *tierHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// TierStatus describes a single tier of the queue.
type TierStatus struct {
	Count     int           `json:"count"`
	Capacity  int           `json:"capacity"`
	OldestAge time.Duration `json:"oldest_age"`
}

// QueueStatus is a backpressure snapshot of the queue.
type QueueStatus struct {
	Tiers    map[Tier]TierStatus `json:"tiers"`
	Total    int                 `json:"total"`
	Retrying int                 `json:"retrying"`
}

// ClearCriteria selects queued jobs for removal. A zero value matches
// every queued job.
type ClearCriteria struct {
	// Tiers restricts removal to the listed tiers. Empty means all tiers.
	Tiers []Tier
	// OlderThan restricts removal to jobs created more than OlderThan ago.
	OlderThan time.Duration
}

func (c ClearCriteria) matchTier(t Tier) bool {
	if len(c.Tiers) == 0 {
		return true
	}
	for _, ct := range c.Tiers {
		if ct == t {
			return true
		}
	}
	return false
}

// PriorityJobQueue is a four-tier admission-controlled queue. Jobs leave
// in strict tier order and FIFO by creation time within a tier.
//
// PriorityJobQueue is not safe for concurrent use; the scheduler
// serializes all access.
type PriorityJobQueue struct {
	tiers    [numTiers]tierHeap
	capacity [numTiers]int

	// borrowed counts slots a tier holds beyond its capacity after
	// evicting low jobs; lent is the matching reduction of the low tier.
	borrowed [numTiers]int
	lent     int
}

func (q *PriorityJobQueue) limit(t Tier) int {
	if t == TierLow {
		return q.capacity[t] - q.lent
	}
	return q.capacity[t] + q.borrowed[t]
}

// settle returns borrowed slots once a tier shrinks back under its limit.
func (q *PriorityJobQueue) settle(t Tier) {
	for q.borrowed[t] > 0 && len(q.tiers[t]) < q.limit(t) {
		q.borrowed[t]--
		q.lent--
	}
}

// NewPriorityJobQueue creates a queue with the given per-tier capacities.
// Missing or non-positive capacities fall back to DefaultTierCapacity.
func NewPriorityJobQueue(capacities map[Tier]int) *PriorityJobQueue {
	q := &PriorityJobQueue{}
	for _, t := range Tiers {
		c := capacities[t]
		if c <= 0 {
			c = DefaultTierCapacity
		}
		q.capacity[t] = c
		q.tiers[t] = make(tierHeap, 0, min(c, 256))
	}
	return q
}

// Enqueue admits job into tier. When the tier is full and tier is not
// low, the oldest low job is evicted and returned so the caller can
// report it; the freed low slot is traded to the incoming job, so total
// occupancy never grows past the sum of capacities. A full low tier, or
// a full tier with no low job to evict, rejects the job with an
// *AdmissionError.
func (q *PriorityJobQueue) Enqueue(job *Job, tier Tier, now time.Time) (evicted *Job, err error) {
	if !tier.valid() {
		tier = TierMedium
	}
	if len(q.tiers[tier]) >= q.limit(tier) {
		if tier == TierLow || len(q.tiers[TierLow]) == 0 {
			return nil, &AdmissionError{Tier: tier, JobType: job.Type}
		}
		evicted = heap.Pop(&q.tiers[TierLow]).(*Job)
		q.borrowed[tier]++
		q.lent++
	}
	job.Tier = tier
	job.Status = StatusPending
	job.EnqueuedAt = now
	heap.Push(&q.tiers[tier], job)
	return evicted, nil
}

// Dequeue pops the oldest job of the most urgent non-empty tier and
// stamps its start time. It returns nil when every tier is empty.
func (q *PriorityJobQueue) Dequeue(now time.Time) *Job {
	for _, t := range Tiers {
		if len(q.tiers[t]) == 0 {
			continue
		}
		j := heap.Pop(&q.tiers[t]).(*Job)
		q.settle(t)
		j.StartedAt = now
		return j
	}
	return nil
}

// Remove deletes a specific job from the queue. It reports false when
// the job is not queued.
func (q *PriorityJobQueue) Remove(job *Job) bool {
	if !job.Tier.valid() {
		return false
	}
	h := &q.tiers[job.Tier]
	if job.index < 0 || job.index >= len(*h) || (*h)[job.index] != job {
		return false
	}
	heap.Remove(h, job.index)
	q.settle(job.Tier)
	return true
}

// Len returns the number of queued jobs across all tiers.
func (q *PriorityJobQueue) Len() int {
	n := 0
	for _, t := range Tiers {
		n += len(q.tiers[t])
	}
	return n
}

// TierLen returns the number of jobs queued in tier.
func (q *PriorityJobQueue) TierLen(t Tier) int {
	if !t.valid() {
		return 0
	}
	return len(q.tiers[t])
}

// Status reports per-tier counts and the age of the oldest job.
func (q *PriorityJobQueue) Status(now time.Time) QueueStatus {
	st := QueueStatus{Tiers: make(map[Tier]TierStatus, numTiers)}
	for _, t := range Tiers {
		ts := TierStatus{Count: len(q.tiers[t]), Capacity: q.limit(t)}
		if ts.Count > 0 {
			ts.OldestAge = now.Sub(q.tiers[t][0].CreatedAt)
		}
		st.Tiers[t] = ts
		st.Total += ts.Count
	}
	return st
}

// Clear removes every queued job matching c and returns them.
func (q *PriorityJobQueue) Clear(c ClearCriteria, now time.Time) []*Job {
	var removed []*Job
	for _, t := range Tiers {
		if !c.matchTier(t) {
			continue
		}
		h := q.tiers[t]
		if c.OlderThan <= 0 {
			for _, j := range h {
				j.index = -1
			}
			removed = append(removed, h...)
			clear(h)
			q.tiers[t] = h[:0]
			continue
		}
		kept := h[:0]
		for _, j := range h {
			if now.Sub(j.CreatedAt) > c.OlderThan {
				j.index = -1
				removed = append(removed, j)
				continue
			}
			kept = append(kept, j)
		}
		for i := len(kept); i < len(h); i++ {
			h[i] = nil
		}
		for i, j := range kept {
			j.index = i
		}
		q.tiers[t] = kept
		heap.Init(&q.tiers[t])
	}
	for _, t := range Tiers {
		q.settle(t)
	}
	return removed
}
