package store

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/dashflow/internal/event"
)

var writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dashflow",
	Subsystem: "store",
	Name:      "writes_total",
	Help:      "Total applied store mutations, by entity type and operation",
}, []string{"entity", "op"})

// EntityType names a mapping in the store, e.g. "widget".
type EntityType string

// Record is a stored entity value. Records are treated as immutable: a write
// always stores a new value.
type Record any

// Publisher receives change events. *event.Bus implements it.
type Publisher interface {
	Publish(event.Event)
}

// typeDef is the per-type behaviour registered by Define.
type typeDef struct {
	check   func(Record) bool
	compare func(a, b Record) int
	goType  string
}

// Store is the keyed, in-memory source of truth for domain entities.
//
// Thread-safety model:
//   - Reads take the read lock and never observe a half-applied write
//   - Writes take the write lock only while applying; change events are
//     published after the lock is released so subscribers may read
//   - In the engine all writes happen on scheduler ticks, so change events
//     follow mutation order exactly
type Store struct {
	mu      sync.RWMutex
	data    map[EntityType]map[string]Record
	owner   map[string]EntityType
	types   map[EntityType]typeDef
	version uint64

	pub Publisher
}

// New creates an empty store publishing change events to pub. A nil pub
// disables change notification.
func New(pub Publisher) *Store {
	return &Store{
		data:  make(map[EntityType]map[string]Record),
		owner: make(map[string]EntityType),
		types: make(map[EntityType]typeDef),
		pub:   pub,
	}
}

// Option configures a single write or transaction.
type Option func(*writeOptions)

type writeOptions struct {
	correlationID string
}

// WithCorrelation stamps the resulting change event with a correlation id.
func WithCorrelation(id string) Option {
	return func(o *writeOptions) {
		o.correlationID = id
	}
}

func applyOptions(opts []Option) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Get returns the record stored for (typ, id).
func (s *Store) Get(typ EntityType, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[typ][id]
	return r, ok
}

// GetAll returns every record of typ. When typ was defined with an order the
// result follows it; otherwise records are returned by ascending id.
func (s *Store) GetAll(typ EntityType) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getAllLocked(typ)
}

func (s *Store) getAllLocked(typ EntityType) []Record {
	m := s.data[typ]
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	if def, ok := s.types[typ]; ok && def.compare != nil {
		slices.SortStableFunc(out, def.compare)
	}
	return out
}

// Len returns the number of records of typ.
func (s *Store) Len(typ EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[typ])
}

// Version returns the number of committed writes so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a copy of every mapping. Records are shared, not cloned.
func (s *Store) Snapshot() map[EntityType]map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[EntityType]map[string]Record, len(s.data))
	for typ, m := range s.data {
		cp := make(map[string]Record, len(m))
		for id, r := range m {
			cp[id] = r
		}
		out[typ] = cp
	}
	return out
}

// Put stores r under (typ, id), replacing any prior record, and publishes
// EntityPut.
func (s *Store) Put(typ EntityType, id string, r Record, opts ...Option) error {
	o := applyOptions(opts)

	s.mu.Lock()
	if err := s.validateLocked(typ, id, r); err != nil {
		s.mu.Unlock()
		return err
	}
	s.applyLocked(Change{Op: OpPut, Entity: typ, ID: id, Record: r})
	s.version++
	version := s.version
	s.mu.Unlock()

	s.publish(EntityPut{
		Meta:    event.Meta{CorrelationID: o.correlationID},
		Entity:  typ,
		ID:      id,
		Record:  r,
		Version: version,
	})
	return nil
}

// Remove deletes (typ, id). It reports whether a record was removed; removing
// a missing record is a no-op and publishes nothing.
func (s *Store) Remove(typ EntityType, id string, opts ...Option) bool {
	o := applyOptions(opts)

	s.mu.Lock()
	if _, ok := s.data[typ][id]; !ok {
		s.mu.Unlock()
		return false
	}
	s.applyLocked(Change{Op: OpRemove, Entity: typ, ID: id})
	s.version++
	version := s.version
	s.mu.Unlock()

	s.publish(EntityRemoved{
		Meta:    event.Meta{CorrelationID: o.correlationID},
		Entity:  typ,
		ID:      id,
		Version: version,
	})
	return true
}

// Transaction runs fn against a staging view and applies every staged change
// at once if fn returns nil. Nothing is applied when fn or validation fails.
// A transaction that staged no effective change publishes nothing.
func (s *Store) Transaction(fn func(tx *Tx) error, opts ...Option) error {
	o := applyOptions(opts)

	tx := newTx(s)
	err := fn(tx)
	tx.done = true
	if err != nil {
		return err
	}

	changes := tx.changes()
	if len(changes) == 0 {
		return nil
	}

	s.mu.Lock()
	// Validate the whole batch before touching anything.
	pending := make(map[string]EntityType)
	for _, c := range changes {
		if c.Op != OpPut {
			continue
		}
		if err := s.validateLocked(c.Entity, c.ID, c.Record); err != nil {
			s.mu.Unlock()
			return err
		}
		if prev, ok := pending[c.ID]; ok && prev != c.Entity {
			s.mu.Unlock()
			return &IDConflictError{ID: c.ID, Owner: prev, Attempted: c.Entity}
		}
		pending[c.ID] = c.Entity
	}

	applied := changes[:0]
	for _, c := range changes {
		if c.Op == OpRemove {
			if _, ok := s.data[c.Entity][c.ID]; !ok {
				continue
			}
		}
		s.applyLocked(c)
		applied = append(applied, c)
	}
	if len(applied) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.version++
	version := s.version
	s.mu.Unlock()

	slog.Debug("store transaction committed",
		"changes", len(applied),
		"version", version,
		"correlation_id", o.correlationID,
	)

	s.publish(TransactionCommitted{
		Meta:    event.Meta{CorrelationID: o.correlationID},
		Changes: applied,
		Version: version,
	})
	return nil
}

func (s *Store) validateLocked(typ EntityType, id string, r Record) error {
	if id == "" {
		return ErrEmptyID
	}
	if owner, ok := s.owner[id]; ok && owner != typ {
		return &IDConflictError{ID: id, Owner: owner, Attempted: typ}
	}
	if def, ok := s.types[typ]; ok && def.check != nil && !def.check(r) {
		return &TypeMismatchError{Entity: typ, Got: fmt.Sprintf("%T", r)}
	}
	return nil
}

func (s *Store) applyLocked(c Change) {
	switch c.Op {
	case OpPut:
		m, ok := s.data[c.Entity]
		if !ok {
			m = make(map[string]Record)
			s.data[c.Entity] = m
		}
		m[c.ID] = c.Record
		s.owner[c.ID] = c.Entity
	case OpRemove:
		delete(s.data[c.Entity], c.ID)
	}
	writesTotal.WithLabelValues(string(c.Entity), string(c.Op)).Inc()
}

func (s *Store) publish(ev event.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

// register installs the behaviour for typ. Called by Define.
func (s *Store) register(typ EntityType, def typeDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.types[typ]; ok {
		return fmt.Errorf("store: entity type %s already defined as %s", typ, existing.goType)
	}
	s.types[typ] = def
	return nil
}
