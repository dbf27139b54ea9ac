package job

import (
	"strconv"
	"sync"
)

var ids = &idGenerator{counters: map[string]int{}}

// idGenerator hands out "<module>-<n>" ids with one counter per module.
// The numbering says nothing about submission or completion order.
type idGenerator struct {
	mu       sync.Mutex
	counters map[string]int
}

func (g *idGenerator) next(module string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.counters[module]
	g.counters[module] = n + 1
	return module + "-" + strconv.Itoa(n)
}
