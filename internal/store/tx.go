package store

import "slices"

// Tx stages puts and removes for Store.Transaction. Reads through a Tx see
// the staged changes on top of the committed state.
//
// A Tx is only valid inside the transaction function that received it.
type Tx struct {
	s    *Store
	ops  []Change
	done bool
}

func newTx(s *Store) *Tx {
	return &Tx{s: s}
}

// Put stages a full replacement of (typ, id).
func (tx *Tx) Put(typ EntityType, id string, r Record) {
	tx.stage(Change{Op: OpPut, Entity: typ, ID: id, Record: r})
}

// Remove stages the removal of (typ, id).
func (tx *Tx) Remove(typ EntityType, id string) {
	tx.stage(Change{Op: OpRemove, Entity: typ, ID: id})
}

func (tx *Tx) stage(c Change) {
	if tx.done {
		panic("store: Tx used after its transaction finished")
	}
	tx.ops = append(tx.ops, c)
}

// Get returns the record for (typ, id) as the transaction sees it.
func (tx *Tx) Get(typ EntityType, id string) (Record, bool) {
	if c, ok := tx.lookup(typ, id); ok {
		if c.Op == OpRemove {
			return nil, false
		}
		return c.Record, true
	}
	return tx.s.Get(typ, id)
}

// GetAll returns every record of typ as the transaction sees it, in the
// same order Store.GetAll uses.
func (tx *Tx) GetAll(typ EntityType) []Record {
	tx.s.mu.RLock()
	base := make(map[string]Record, len(tx.s.data[typ]))
	for id, r := range tx.s.data[typ] {
		base[id] = r
	}
	def := tx.s.types[typ]
	tx.s.mu.RUnlock()

	for _, c := range tx.ops {
		if c.Entity != typ {
			continue
		}
		if c.Op == OpRemove {
			delete(base, c.ID)
		} else {
			base[c.ID] = c.Record
		}
	}

	ids := make([]string, 0, len(base))
	for id := range base {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, base[id])
	}
	if def.compare != nil {
		slices.SortStableFunc(out, def.compare)
	}
	return out
}

// lookup returns the last staged change for (typ, id).
func (tx *Tx) lookup(typ EntityType, id string) (Change, bool) {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		c := tx.ops[i]
		if c.Entity == typ && c.ID == id {
			return c, true
		}
	}
	return Change{}, false
}

// changes returns the staged changes in staging order.
func (tx *Tx) changes() []Change {
	return slices.Clone(tx.ops)
}
