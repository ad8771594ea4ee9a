package rtclient

import "sync"

// dedupSet 记住最近 size 个已渲染的 id，超出后按插入顺序淘汰最旧的
type dedupSet struct {
	mu   sync.Mutex
	size int
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupSet(size int) *dedupSet {
	return &dedupSet{
		size: size,
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Seen records id and reports whether it had been recorded before.
// Empty ids are never deduplicated.
func (d *dedupSet) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % d.size
	d.seen[id] = struct{}{}
	return false
}

func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
