// Package domain defines the shared data model exchanged between the MCP
// bridge, the BRP client, and the debug-command handlers: entity and
// component references, BRP request/response variants, debug commands and
// their responses, sessions, checkpoints, performance samples, and
// connection state. Centralizing these types here mirrors how the teacher
// repository centralizes cross-package enums and generics in a single
// shared types package.
package domain

import (
	"encoding/json"
	"fmt"
)

// EntityRef uniquely identifies an entity for the remote's lifetime. The
// generation increases whenever index is reused, so a stale generation
// never matches a live entity.
type EntityRef struct {
	Index      uint32 `json:"index"`
	Generation uint32 `json:"generation"`
}

// String renders the canonical "index v generation" form used in logs and
// diff output.
func (e EntityRef) String() string {
	return fmt.Sprintf("%d v%d", e.Index, e.Generation)
}

// Packed returns the 64-bit packed identifier some BRP wire messages use:
// the generation in the high 32 bits, the index in the low 32 bits.
func (e EntityRef) Packed() uint64 {
	return uint64(e.Generation)<<32 | uint64(e.Index)
}

// EntityRefFromPacked reconstructs an EntityRef from a packed 64-bit id.
func EntityRefFromPacked(packed uint64) EntityRef {
	return EntityRef{
		Index:      uint32(packed & 0xFFFFFFFF),
		Generation: uint32(packed >> 32),
	}
}

// ParseWireEntity decodes an entity reference carried over the wire in
// either its packed numeric form or its {index, generation} object form —
// the two shapes BRP responses and tool params use interchangeably.
func ParseWireEntity(raw json.RawMessage) (EntityRef, error) {
	var packed uint64
	if err := json.Unmarshal(raw, &packed); err == nil {
		return EntityRefFromPacked(packed), nil
	}
	var obj struct {
		Index      uint32 `json:"index"`
		Generation uint32 `json:"generation"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return EntityRef{}, err
	}
	return EntityRef{Index: obj.Index, Generation: obj.Generation}, nil
}

// ComponentTypeID is a fully-qualified, colon/dot-qualified type name.
// Comparisons are exact-string; callers must canonicalize short forms to
// fully-qualified form before using a ComponentTypeID as a cache key.
type ComponentTypeID string

// ComponentValue is a dynamically typed structured value (object, array,
// or scalar) matching the remote's reflection schema. The core never
// interprets component semantics beyond reflection-aware diffing.
type ComponentValue = any
