// Package history keeps a bounded in-memory log of recent group messages,
// fed from transport updates and read by the summary pipeline.
package history

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"groupsummary/internal/summary"
)

// Collector holds one ring buffer per group. Capacity changes apply to
// buffers as they next grow.
type Collector struct {
	capacity atomic.Int64

	mu     sync.RWMutex
	groups map[int64]*ring
	names  map[int64]string
}

func New(capacity int) *Collector {
	c := &Collector{groups: map[int64]*ring{}, names: map[int64]string{}}
	c.SetCapacity(capacity)
	return c
}

func (c *Collector) SetCapacity(n int) {
	if n <= 0 {
		n = 1000
	}
	c.capacity.Store(int64(n))
}

// Add records msg for groupID. Blank texts are ignored.
func (c *Collector) Add(groupID int64, msg summary.ChatMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.groups[groupID]
	if r == nil {
		r = &ring{}
		c.groups[groupID] = r
	}
	r.push(msg, int(c.capacity.Load()))
	if msg.Name != "" && msg.UserID != 0 {
		c.names[msg.UserID] = msg.Name
	}
}

func (c *Collector) Len(groupID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r := c.groups[groupID]; r != nil {
		return len(r.buf)
	}
	return 0
}

// FetchMessages returns up to count of the newest matching messages in
// chronological order and the display names of their authors.
func (c *Collector) FetchMessages(ctx context.Context, groupID int64, count int, f summary.Filters) ([]summary.ChatMessage, map[int64]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	keyword := strings.ToLower(strings.TrimSpace(f.Keyword))

	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.groups[groupID]
	if r == nil || count <= 0 {
		return nil, map[int64]string{}, nil
	}

	all := r.snapshot()
	out := make([]summary.ChatMessage, 0, min(count, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < count; i-- {
		m := all[i]
		if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, m.UserID) {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(m.Text), keyword) {
			continue
		}
		out = append(out, m)
	}
	slices.Reverse(out)

	names := make(map[int64]string, len(out))
	for _, m := range out {
		if n, ok := c.names[m.UserID]; ok {
			names[m.UserID] = n
		}
	}
	return out, names, nil
}

type ring struct {
	buf  []summary.ChatMessage
	head int
}

func (r *ring) push(m summary.ChatMessage, capacity int) {
	if len(r.buf) != capacity && r.head != 0 {
		// Capacity changed after the ring wrapped; restore oldest-first order.
		r.buf = r.snapshot()
		r.head = 0
	}
	if len(r.buf) > capacity {
		r.buf = r.buf[len(r.buf)-capacity:]
	}
	if len(r.buf) < capacity {
		r.buf = append(r.buf, m)
		return
	}
	r.buf[r.head] = m
	r.head = (r.head + 1) % capacity
}

// snapshot returns the buffer oldest first.
func (r *ring) snapshot() []summary.ChatMessage {
	out := make([]summary.ChatMessage, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}
