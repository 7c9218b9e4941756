package cache

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"sharebox/pkg/domain"
)

const maxEntries = 100000

// LRU keeps recently read pastes in memory. Pastes are immutable, so an entry
// is valid for as long as it stays in the cache.
type LRU struct {
	c *lru.Cache[int64, *domain.Paste]
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxEntries {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[int64, *domain.Paste](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(id int64) *domain.Paste {
	p, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	return p
}

func (l *LRU) Set(p *domain.Paste) {
	l.c.Add(p.ID, p)
}

func (l *LRU) Len() int {
	return l.c.Len()
}
