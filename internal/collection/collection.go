package collection

import (
	"context"
	"sync"
)

// ChangeKind names the write path that produced a Change.
type ChangeKind string

const (
	ChangeReplace ChangeKind = "replace"
	ChangeUpsert  ChangeKind = "upsert"
	ChangeRemove  ChangeKind = "remove"
)

const subscriberBufferSize = 16

// Change is published to subscribers after every successful write.
type Change struct {
	Kind    ChangeKind
	IDs     []string
	Version uint64
}

// Collection is an arrival-ordered id to Record map owned by one view. Display order is never
// derived from arrival order; projections always recompute it.
type Collection struct {
	mu          sync.RWMutex
	order       []string
	records     map[string]Record
	version     uint64
	subscribers map[int64]chan Change
	nextID      int64
}

// New returns an empty Collection.
func New() *Collection {
	return &Collection{
		records:     make(map[string]Record),
		subscribers: make(map[int64]chan Change),
	}
}

// Replace swaps the whole content for records. Later duplicates of an id win but keep the
// position of the first occurrence. Pending entries are owned by their in-flight action and
// survive a replace unless the incoming set carries the same id.
func (c *Collection) Replace(records []Record) {
	c.mu.Lock()
	order := make([]string, 0, len(records))
	next := make(map[string]Record, len(records))
	for _, record := range records {
		if _, seen := next[record.ID]; !seen {
			order = append(order, record.ID)
		}
		next[record.ID] = record
	}
	for _, id := range c.order {
		existing := c.records[id]
		if !existing.Pending {
			continue
		}
		if _, clash := next[id]; clash {
			continue
		}
		order = append(order, id)
		next[id] = existing
	}
	c.order = order
	c.records = next
	change := c.bump(ChangeReplace, append([]string(nil), order...))
	c.mu.Unlock()
	c.publish(change)
}

// Upsert inserts record or overwrites the entry with the same id in place.
func (c *Collection) Upsert(record Record) {
	c.mu.Lock()
	if _, exists := c.records[record.ID]; !exists {
		c.order = append(c.order, record.ID)
	}
	c.records[record.ID] = record
	change := c.bump(ChangeUpsert, []string{record.ID})
	c.mu.Unlock()
	c.publish(change)
}

// Swap replaces the entry oldID with record at the same position. When oldID is absent the
// record is upserted. If record.ID already exists elsewhere the old entry is simply dropped.
func (c *Collection) Swap(oldID string, record Record) {
	c.mu.Lock()
	position := c.indexOf(oldID)
	_, duplicate := c.records[record.ID]
	switch {
	case position < 0 && !duplicate:
		c.order = append(c.order, record.ID)
	case position >= 0 && oldID != record.ID && duplicate:
		c.order = append(c.order[:position], c.order[position+1:]...)
		delete(c.records, oldID)
	case position >= 0:
		c.order[position] = record.ID
		if oldID != record.ID {
			delete(c.records, oldID)
		}
	}
	c.records[record.ID] = record
	change := c.bump(ChangeUpsert, []string{oldID, record.ID})
	c.mu.Unlock()
	c.publish(change)
}

// Remove deletes id and reports whether it was present.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	position := c.indexOf(id)
	if position < 0 {
		c.mu.Unlock()
		return false
	}
	c.order = append(c.order[:position], c.order[position+1:]...)
	delete(c.records, id)
	change := c.bump(ChangeRemove, []string{id})
	c.mu.Unlock()
	c.publish(change)
	return true
}

// Get returns the record stored under id.
func (c *Collection) Get(id string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[id]
	return record, ok
}

// Find returns the first record, in arrival order, accepted by match.
func (c *Collection) Find(match func(Record) bool) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		if record := c.records[id]; match(record) {
			return record, true
		}
	}
	return Record{}, false
}

// Snapshot copies the records in arrival order.
func (c *Collection) Snapshot() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		snapshot = append(snapshot, c.records[id])
	}
	return snapshot
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Version increases by one on every write.
func (c *Collection) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Subscribe streams changes until ctx is done or the returned cleanup runs. Slow subscribers
// miss changes rather than block writers; Version lets them detect the gap.
func (c *Collection) Subscribe(ctx context.Context) (<-chan Change, func()) {
	stream := make(chan Change, subscriberBufferSize)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subscribers[id] = stream
	c.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
			close(stream)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (c *Collection) bump(kind ChangeKind, ids []string) Change {
	c.version++
	return Change{Kind: kind, IDs: ids, Version: c.version}
}

func (c *Collection) indexOf(id string) int {
	if _, ok := c.records[id]; !ok {
		return -1
	}
	for index, candidate := range c.order {
		if candidate == id {
			return index
		}
	}
	return -1
}

func (c *Collection) publish(change Change) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, stream := range c.subscribers {
		select {
		case stream <- change:
		default:
		}
	}
}
