package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Codec turns (type, JSON payload) pairs into typed commands. The CLI, the
// scenario harness and journal replay use it to rebuild commands that were
// described outside Go.
type Codec struct {
	mu       sync.RWMutex
	decoders map[CommandType]func([]byte) (Command, error)
}

// NewCodec creates an empty codec.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[CommandType]func([]byte) (Command, error))}
}

// RegisterCommand teaches c to decode payloads into C. The command type is
// taken from C's zero value, so CommandType must not depend on fields.
func RegisterCommand[C Command](c *Codec) {
	var zero C
	typ := zero.CommandType()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[typ] = func(payload []byte) (Command, error) {
		var cmd C
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd); err != nil {
				return nil, NewValidationError("decode %s: %v", typ, err)
			}
		}
		return cmd, nil
	}
}

// Decode builds a command of type typ from its JSON payload.
func (c *Codec) Decode(typ CommandType, payload []byte) (Command, error) {
	c.mu.RLock()
	dec, ok := c.decoders[typ]
	c.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindUnknownCommand, Message: fmt.Sprintf("no codec for command type %q", typ), Command: typ}
	}
	return dec(payload)
}

// DecodeValue is Decode for an already-parsed payload such as a YAML map.
func (c *Codec) DecodeValue(typ CommandType, payload any) (Command, error) {
	if payload == nil {
		return c.Decode(typ, nil)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, NewValidationError("encode %s payload: %v", typ, err)
	}
	return c.Decode(typ, raw)
}

// Encode returns the JSON payload of cmd.
func (c *Codec) Encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Types returns the registered command types in sorted order.
func (c *Codec) Types() []CommandType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CommandType, 0, len(c.decoders))
	for typ := range c.decoders {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}
