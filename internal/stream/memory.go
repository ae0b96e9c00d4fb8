package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	id     string
	values map[string]string
}

type pendingEntry struct {
	entry       memoryEntry
	consumer    string
	deliveredAt time.Time
}

type memoryGroup struct {
	next    int // index into the stream's entry log
	pending map[string]*pendingEntry
}

type memoryStream struct {
	entries []memoryEntry
	groups  map[string]*memoryGroup
}

// MemoryClient is an in-process Client with consumer-group semantics:
// delivered entries stay pending until acked and can be reclaimed once
// idle. For tests and Redis-less local runs.
type MemoryClient struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
	seq     int64
}

// NewMemoryClient creates an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{streams: make(map[string]*memoryStream)}
}

func (c *MemoryClient) stream(name string) *memoryStream {
	s, ok := c.streams[name]
	if !ok {
		s = &memoryStream{groups: make(map[string]*memoryGroup)}
		c.streams[name] = s
	}
	return s
}

// EnsureGroup implements Client.
func (c *MemoryClient) EnsureGroup(_ context.Context, stream, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{pending: make(map[string]*pendingEntry)}
	}
	return nil
}

// Read implements Client. The block timeout is not honored; an empty
// stream returns immediately.
func (c *MemoryClient) Read(_ context.Context, stream, group, consumer string, count int64, _ time.Duration, fromPending bool) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such consumer group: %s", group)
	}

	if fromPending {
		var msgs []Message
		for _, p := range g.pending {
			if p.consumer != consumer {
				continue
			}
			msgs = append(msgs, Message{ID: p.entry.id, Stream: stream, Values: copyValues(p.entry.values)})
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
		if count > 0 && int64(len(msgs)) > count {
			msgs = msgs[:count]
		}
		return msgs, nil
	}

	var msgs []Message
	for g.next < len(s.entries) && (count <= 0 || int64(len(msgs)) < count) {
		e := s.entries[g.next]
		g.next++
		g.pending[e.id] = &pendingEntry{entry: e, consumer: consumer, deliveredAt: time.Now()}
		msgs = append(msgs, Message{ID: e.id, Stream: stream, Values: copyValues(e.values)})
	}
	return msgs, nil
}

// Claim implements Client.
func (c *MemoryClient) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}

	var msgs []Message
	for _, p := range g.pending {
		if time.Since(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = time.Now()
		msgs = append(msgs, Message{ID: p.entry.id, Stream: stream, Values: copyValues(p.entry.values)})
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// Ack implements Client.
func (c *MemoryClient) Ack(_ context.Context, stream, group, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.stream(stream).groups[group]; ok {
		delete(g.pending, id)
	}
	return nil
}

// Add implements Client.
func (c *MemoryClient) Add(_ context.Context, stream string, values map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := fmt.Sprintf("%d-0", c.seq)
	s := c.stream(stream)
	s.entries = append(s.entries, memoryEntry{id: id, values: copyValues(values)})
	return id, nil
}

// PendingCount returns the group's pending size, for assertions.
func (c *MemoryClient) PendingCount(stream, group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.stream(stream).groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// ExpirePending backdates every pending delivery so a Claim with any
// minIdle picks them up. Test helper.
func (c *MemoryClient) ExpirePending(stream, group string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.stream(stream).groups[group]; ok {
		for _, p := range g.pending {
			p.deliveredAt = time.Time{}
		}
	}
}

func copyValues(values map[string]string) map[string]string {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return cp
}
