package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type idDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, struct{}]
}

func newIDDedupe(size int) *idDedupe {
	if size <= 0 {
		size = 8192
	}
	c, _ := lru.New[string, struct{}](size)
	return &idDedupe{lru: c}
}

// firstSeen reports whether id has not been seen among the recent ids.
// Empty ids are never deduplicated.
func (d *idDedupe) firstSeen(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lru.Contains(id) {
		return false
	}
	d.lru.Add(id, struct{}{})
	return true
}
