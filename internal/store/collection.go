package store

import "fmt"

// Collection is typed access to one entity type. The id of every record is
// derived by the id function given to Define, never supplied separately.
type Collection[T any] struct {
	s   *Store
	typ EntityType
	id  func(T) string
}

// DefineOption configures a collection.
type DefineOption[T any] func(*typeDef)

// OrderBy makes GetAll and All return records sorted by cmp. Ties fall back
// to ascending id.
func OrderBy[T any](cmp func(a, b T) int) DefineOption[T] {
	return func(d *typeDef) {
		d.compare = func(a, b Record) int {
			return cmp(a.(T), b.(T))
		}
	}
}

// Define registers typ as holding records of Go type T and returns typed
// access to it. Each entity type may be defined once per store.
func Define[T any](s *Store, typ EntityType, id func(T) string, opts ...DefineOption[T]) (*Collection[T], error) {
	if id == nil {
		return nil, fmt.Errorf("store: define %s: nil id function", typ)
	}

	var zero T
	def := typeDef{
		check: func(r Record) bool {
			_, ok := r.(T)
			return ok
		},
		goType: fmt.Sprintf("%T", zero),
	}
	for _, opt := range opts {
		opt(&def)
	}

	if err := s.register(typ, def); err != nil {
		return nil, err
	}
	return &Collection[T]{s: s, typ: typ, id: id}, nil
}

// MustDefine is Define that panics on error. Use for static schemas.
func MustDefine[T any](s *Store, typ EntityType, id func(T) string, opts ...DefineOption[T]) *Collection[T] {
	c, err := Define(s, typ, id, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Type returns the entity type this collection manages.
func (c *Collection[T]) Type() EntityType {
	return c.typ
}

// ID returns the id of v.
func (c *Collection[T]) ID(v T) string {
	return c.id(v)
}

// Get returns the record with the given id.
func (c *Collection[T]) Get(id string) (T, bool) {
	r, ok := c.s.Get(c.typ, id)
	if !ok {
		var zero T
		return zero, false
	}
	return r.(T), true
}

// All returns every record in collection order.
func (c *Collection[T]) All() []T {
	return typed[T](c.s.GetAll(c.typ))
}

// Where returns the records for which keep returns true, in collection order.
func (c *Collection[T]) Where(keep func(T) bool) []T {
	var out []T
	for _, v := range c.All() {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of records.
func (c *Collection[T]) Len() int {
	return c.s.Len(c.typ)
}

// Put stores v, replacing any record with the same id.
func (c *Collection[T]) Put(v T, opts ...Option) error {
	return c.s.Put(c.typ, c.id(v), v, opts...)
}

// Remove deletes the record with the given id.
func (c *Collection[T]) Remove(id string, opts ...Option) bool {
	return c.s.Remove(c.typ, id, opts...)
}

// In binds the collection to a transaction.
func (c *Collection[T]) In(tx *Tx) TxCollection[T] {
	return TxCollection[T]{c: c, tx: tx}
}

// TxCollection is a Collection seen through a transaction.
type TxCollection[T any] struct {
	c  *Collection[T]
	tx *Tx
}

// Get returns the record with the given id as the transaction sees it.
func (t TxCollection[T]) Get(id string) (T, bool) {
	r, ok := t.tx.Get(t.c.typ, id)
	if !ok {
		var zero T
		return zero, false
	}
	return r.(T), true
}

// All returns every record as the transaction sees it.
func (t TxCollection[T]) All() []T {
	return typed[T](t.tx.GetAll(t.c.typ))
}

// Put stages v.
func (t TxCollection[T]) Put(v T) {
	t.tx.Put(t.c.typ, t.c.id(v), v)
}

// Remove stages the removal of id.
func (t TxCollection[T]) Remove(id string) {
	t.tx.Remove(t.c.typ, id)
}

// RemoveWhere stages the removal of every record matching drop and returns
// how many were staged.
func (t TxCollection[T]) RemoveWhere(drop func(T) bool) int {
	n := 0
	for _, v := range t.All() {
		if drop(v) {
			t.Remove(t.c.id(v))
			n++
		}
	}
	return n
}

func typed[T any](rs []Record) []T {
	out := make([]T, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.(T))
	}
	return out
}
