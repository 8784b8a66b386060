package dispatcher

import (
	"sort"
	"sync"

	"github.com/jdziat/priority-jobs/pkg/core"
)

// queueCache is the dispatcher's read-through copy of queue configuration.
//
// Invalidation: every mutating queue operation on the owning Dispatcher
// writes the stored result back here; Refresh replaces the whole map and is
// called at startup and on every worker-pool reconcile tick, so changes
// made by other processes are visible within one poll interval.
type queueCache struct {
	mu     sync.RWMutex
	queues map[string]core.Queue
}

func newQueueCache() *queueCache {
	return &queueCache{queues: make(map[string]core.Queue)}
}

// get returns a copy so callers cannot mutate the cached entry.
func (c *queueCache) get(name string) (*core.Queue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queues[name]
	if !ok {
		return nil, false
	}
	return &q, true
}

func (c *queueCache) put(q *core.Queue) {
	if q == nil {
		return
	}
	c.mu.Lock()
	c.queues[q.Name] = *q
	c.mu.Unlock()
}

func (c *queueCache) remove(name string) {
	c.mu.Lock()
	delete(c.queues, name)
	c.mu.Unlock()
}

func (c *queueCache) replace(queues []*core.Queue) {
	next := make(map[string]core.Queue, len(queues))
	for _, q := range queues {
		next[q.Name] = *q
	}
	c.mu.Lock()
	c.queues = next
	c.mu.Unlock()
}

// list returns copies ordered by name.
func (c *queueCache) list() []*core.Queue {
	c.mu.RLock()
	out := make([]*core.Queue, 0, len(c.queues))
	for _, q := range c.queues {
		q := q
		out = append(out, &q)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
