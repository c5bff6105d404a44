// Package correlation tracks in-flight operations that are completed by a
// later broker or peer event, addressed either by correlation id or by the
// channel publish sequence number.
package correlation

import "sync"

type entry[V any] struct {
	id     string
	seq    uint64
	hasSeq bool
	value  V
}

// Index is a bidirectional map from correlation id and sequence number to a
// pending value. Both views always agree: removing an entry by one key removes
// it from the other. Every removal hands the value out at most once.
type Index[V any] struct {
	mu    sync.Mutex
	byID  map[string]*entry[V]
	bySeq map[uint64]*entry[V]
}

func New[V any]() *Index[V] {
	return &Index[V]{
		byID:  make(map[string]*entry[V]),
		bySeq: make(map[uint64]*entry[V]),
	}
}

// Add stores value under both the correlation id and the sequence number.
// An existing entry with the same id or sequence number is replaced.
func (i *Index[V]) Add(id string, seq uint64, value V) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.removeIDLocked(id)
	i.removeSeqLocked(seq)

	e := &entry[V]{id: id, seq: seq, hasSeq: true, value: value}
	i.byID[id] = e
	i.bySeq[seq] = e
}

// AddCorrelated stores value under the correlation id only.
func (i *Index[V]) AddCorrelated(id string, value V) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.removeIDLocked(id)
	i.byID[id] = &entry[V]{id: id, value: value}
}

// RemoveByCorrelation removes and returns the entry stored under id.
func (i *Index[V]) RemoveByCorrelation(id string) (V, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.removeIDLocked(id)
	if e == nil {
		var zero V
		return zero, false
	}
	return e.value, true
}

// RemoveBySequence removes and returns the entry stored under seq.
func (i *Index[V]) RemoveBySequence(seq uint64) (V, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	e := i.removeSeqLocked(seq)
	if e == nil {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Drain removes and returns every entry.
func (i *Index[V]) Drain() []V {
	i.mu.Lock()
	defer i.mu.Unlock()

	values := make([]V, 0, len(i.byID))
	for _, e := range i.byID {
		values = append(values, e.value)
	}
	i.byID = make(map[string]*entry[V])
	i.bySeq = make(map[uint64]*entry[V])
	return values
}

func (i *Index[V]) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.byID)
}

func (i *Index[V]) removeIDLocked(id string) *entry[V] {
	e, ok := i.byID[id]
	if !ok {
		return nil
	}
	delete(i.byID, id)
	if e.hasSeq {
		delete(i.bySeq, e.seq)
	}
	return e
}

func (i *Index[V]) removeSeqLocked(seq uint64) *entry[V] {
	e, ok := i.bySeq[seq]
	if !ok {
		return nil
	}
	delete(i.bySeq, seq)
	if current, ok := i.byID[e.id]; ok && current == e {
		delete(i.byID, e.id)
	}
	return e
}
