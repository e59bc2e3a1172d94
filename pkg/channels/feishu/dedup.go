package feishu

import "container/list"

// dedupCache is the insertion-ordered, capacity-bounded set described in
// spec §3: it lets a platform message id through exactly once. Once the
// set exceeds 1000 entries it is trimmed back to the 500 most-recently
// inserted ids, discarding the oldest — an amortized bound, not a strict
// sliding window.
type dedupCache struct {
	capacity  int
	trimTo    int
	order     *list.List
	positions map[string]*list.Element
}

func newDedupCache() *dedupCache {
	return &dedupCache{
		capacity:  1000,
		trimTo:    500,
		order:     list.New(),
		positions: make(map[string]*list.Element),
	}
}

// SeenOrAdd reports whether id has already passed through the cache. If
// not, it records id as seen and returns false.
func (d *dedupCache) SeenOrAdd(id string) bool {
	if _, ok := d.positions[id]; ok {
		return true
	}

	elem := d.order.PushBack(id)
	d.positions[id] = elem

	if d.order.Len() > d.capacity {
		d.trim()
	}
	return false
}

func (d *dedupCache) trim() {
	for d.order.Len() > d.trimTo {
		oldest := d.order.Front()
		if oldest == nil {
			return
		}
		d.order.Remove(oldest)
		delete(d.positions, oldest.Value.(string))
	}
}

func (d *dedupCache) len() int { return d.order.Len() }
