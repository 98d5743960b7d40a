package compose

import (
	"context"
	"sync"
)

// TagCache memoizes ListTags for the duration of a push. The orchestrator
// invalidates it when a push starts; workers forget a build once they
// retagged it.
type TagCache struct {
	client TagClient

	mu   sync.Mutex
	tags map[string][]string
}

func NewTagCache(client TagClient) *TagCache {
	return &TagCache{client: client, tags: map[string][]string{}}
}

func (c *TagCache) Tags(ctx context.Context, nvr string) ([]string, error) {
	c.mu.Lock()
	tags, ok := c.tags[nvr]
	c.mu.Unlock()
	if ok {
		return tags, nil
	}

	tags, err := c.client.ListTags(ctx, nvr)
	if err != nil {
		return nil, err
	}
	tagOperations.WithLabelValues("list").Inc()

	c.mu.Lock()
	c.tags[nvr] = tags
	c.mu.Unlock()
	return tags, nil
}

func (c *TagCache) Forget(nvr string) {
	c.mu.Lock()
	delete(c.tags, nvr)
	c.mu.Unlock()
}

func (c *TagCache) Invalidate() {
	c.mu.Lock()
	c.tags = map[string][]string{}
	c.mu.Unlock()
}
