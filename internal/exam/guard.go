package exam

import "sync"

// Guards is the host's registry of exit guards. A guard returns true while
// leaving would lose progress; the host warns before exiting when any
// registered guard is active. The warning is advisory.
type Guards struct {
	mu   sync.Mutex
	next int
	m    map[int]func() bool
}

func NewGuards() *Guards {
	return &Guards{m: map[int]func() bool{}}
}

// Register adds a guard and returns the function that removes it.
func (g *Guards) Register(fn func() bool) (unregister func()) {
	g.mu.Lock()
	id := g.next
	g.next++
	g.m[id] = fn
	g.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.m, id)
			g.mu.Unlock()
		})
	}
}

// Active reports whether any registered guard asks for a warning.
func (g *Guards) Active() bool {
	g.mu.Lock()
	fns := make([]func() bool, 0, len(g.m))
	for _, fn := range g.m {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		if fn() {
			return true
		}
	}
	return false
}
