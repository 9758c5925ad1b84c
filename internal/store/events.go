package store

import "github.com/roach88/dashflow/internal/event"

// Change event types.
const (
	TypeEntityPut            event.Type = "store.entity_put"
	TypeEntityRemoved        event.Type = "store.entity_removed"
	TypeTransactionCommitted event.Type = "store.transaction_committed"
)

// ChangeOp identifies a staged mutation.
type ChangeOp string

const (
	OpPut    ChangeOp = "put"
	OpRemove ChangeOp = "remove"
)

// Change is one applied mutation.
type Change struct {
	Op     ChangeOp   `json:"op"`
	Entity EntityType `json:"entity"`
	ID     string     `json:"id"`
	Record Record     `json:"record,omitempty"`
}

// EntityPut is published after a single Put.
type EntityPut struct {
	event.Meta
	Entity  EntityType `json:"entity"`
	ID      string     `json:"id"`
	Record  Record     `json:"record"`
	Version uint64     `json:"version"`
}

func (EntityPut) Type() event.Type { return TypeEntityPut }

// EntityRemoved is published after a Remove that deleted a record.
type EntityRemoved struct {
	event.Meta
	Entity  EntityType `json:"entity"`
	ID      string     `json:"id"`
	Version uint64     `json:"version"`
}

func (EntityRemoved) Type() event.Type { return TypeEntityRemoved }

// TransactionCommitted is published once per committed transaction and
// lists its changes in staging order.
type TransactionCommitted struct {
	event.Meta
	Changes []Change `json:"changes"`
	Version uint64   `json:"version"`
}

func (TransactionCommitted) Type() event.Type { return TypeTransactionCommitted }

// Touches reports whether the transaction changed any record of typ.
func (t TransactionCommitted) Touches(typ EntityType) bool {
	for _, c := range t.Changes {
		if c.Entity == typ {
			return true
		}
	}
	return false
}
