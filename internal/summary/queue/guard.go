package queue

import "sync"

// groupGuard admits one running pipeline per group.
type groupGuard struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newGroupGuard() *groupGuard { return &groupGuard{running: map[int64]struct{}{}} }

func (g *groupGuard) tryAcquire(gid int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.running[gid]; busy {
		return false
	}
	g.running[gid] = struct{}{}
	return true
}

func (g *groupGuard) release(gid int64) {
	g.mu.Lock()
	delete(g.running, gid)
	g.mu.Unlock()
}

func (g *groupGuard) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}
