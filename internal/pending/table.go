// Package pending tracks requests awaiting a response from the native host.
package pending

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ErrDuplicate is returned when registering an id that is already pending.
var ErrDuplicate = errors.New("pending: duplicate correlation id")

// Entry is one in-flight request.
type Entry[C any] struct {
	CorrelationID string
	Command       string
	Caller        C
	SubmittedAt   time.Time

	seq uint64
}

// Table maps correlation ids to their callers. It is not safe for
// concurrent use: a single owner goroutine mutates it.
type Table[C any] struct {
	entries map[string]Entry[C]
	seq     uint64
}

// NewTable returns an empty table.
func NewTable[C any]() *Table[C] {
	return &Table[C]{entries: make(map[string]Entry[C])}
}

// Register adds an entry. It fails if the id is already present.
func (t *Table[C]) Register(e Entry[C]) error {
	if _, ok := t.entries[e.CorrelationID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.CorrelationID)
	}
	t.seq++
	e.seq = t.seq
	t.entries[e.CorrelationID] = e
	return nil
}

// Resolve removes and returns the entry for id. Unknown and already
// resolved ids report false alike.
func (t *Table[C]) Resolve(id string) (Entry[C], bool) {
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// DrainAll empties the table and returns its entries in insertion order.
func (t *Table[C]) DrainAll() []Entry[C] {
	out := make([]Entry[C], 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	t.entries = make(map[string]Entry[C])
	return out
}

// Len returns the number of pending entries.
func (t *Table[C]) Len() int { return len(t.entries) }

// IDSource allocates correlation ids from a strictly increasing counter.
// Like Table it belongs to a single goroutine.
type IDSource struct {
	prefix string
	next   uint64
}

// NewIDSource returns a source whose ids are prefix followed by 1, 2, ...
func NewIDSource(prefix string) *IDSource {
	return &IDSource{prefix: prefix}
}

// Next returns a fresh id.
func (s *IDSource) Next() string {
	s.next++
	return s.prefix + strconv.FormatUint(s.next, 10)
}
