package kvstore

import (
	"context"
	"strings"
	"sync"
)

// LocalCoordinator fans out Put/Delete events over in-process Go
// channels, used in local-mode where there's no other process to
// notify and watchers are otherwise disabled in that mode.
type LocalCoordinator struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{subs: make(map[string][]chan Event)}
}

func (c *LocalCoordinator) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	ch := make(chan Event, 64)
	c.mu.Lock()
	c.subs[prefix] = append(c.subs[prefix], ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[prefix]
		for i, s := range subs {
			if s == ch {
				c.subs[prefix] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (c *LocalCoordinator) Publish(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for prefix, chans := range c.subs {
		if !strings.HasPrefix(ev.Key, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

func (c *LocalCoordinator) Close() error { return nil }
