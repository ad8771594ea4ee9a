package rtclient

import "sync"

type outboundItem struct {
	id    string
	frame []byte
}

// outboundQueue 离线发送队列，FIFO，无上限
// 只有在传输层接受之后才出队，写失败的条目留到下一次 ready 再发
type outboundQueue struct {
	mu    sync.Mutex
	items []outboundItem
}

func (q *outboundQueue) Push(it outboundItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
}

func (q *outboundQueue) Peek() (outboundItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return outboundItem{}, false
	}
	return q.items[0], true
}

// Pop removes the head. Only the drain loop calls it, right after a
// successful write of the item Peek returned.
func (q *outboundQueue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items[0] = outboundItem{}
	q.items = q.items[1:]
}

func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain writes items in order until the queue is empty or write fails.
func (q *outboundQueue) Drain(write func([]byte) error) (int, error) {
	sent := 0
	for {
		it, ok := q.Peek()
		if !ok {
			return sent, nil
		}
		if err := write(it.frame); err != nil {
			return sent, err
		}
		q.Pop()
		sent++
	}
}
