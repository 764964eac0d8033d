package xrm

import (
	"fmt"

	"github.com/google/uuid"
)

// EntityReference identifies a record by logical name and id without
// carrying any attribute payload.
type EntityReference struct {
	LogicalName string    `json:"logical_name"`
	ID          uuid.UUID `json:"id"`
}

// String renders the reference as "logicalname(id)".
func (r EntityReference) String() string {
	return fmt.Sprintf("%s(%s)", r.LogicalName, r.ID)
}

// Entity is a record: logical type name, unique id and attribute set.
// A zero ID means the record has not been assigned an identity yet.
type Entity struct {
	LogicalName string     `json:"logical_name"`
	ID          uuid.UUID  `json:"id"`
	Attributes  Attributes `json:"attributes"`
}

// NewEntity creates an entity with an empty attribute set.
func NewEntity(logicalName string) *Entity {
	return &Entity{
		LogicalName: logicalName,
		Attributes:  Attributes{},
	}
}

// Set assigns an attribute and returns the entity for chaining.
func (e *Entity) Set(name string, v Value) *Entity {
	if e.Attributes == nil {
		e.Attributes = Attributes{}
	}
	e.Attributes[name] = v
	return e
}

// Get returns the attribute value and whether it is present.
func (e *Entity) Get(name string) (Value, bool) {
	if e == nil || e.Attributes == nil {
		return nil, false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// Contains reports whether the attribute is present.
func (e *Entity) Contains(name string) bool {
	_, ok := e.Get(name)
	return ok
}

// GetString returns a String attribute or "" when absent or of another kind.
func (e *Entity) GetString(name string) string {
	v, _ := e.Get(name)
	s, _ := v.(String)
	return string(s)
}

// Clone returns a deep snapshot of the entity. Nil-safe.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	return &Entity{
		LogicalName: e.LogicalName,
		ID:          e.ID,
		Attributes:  e.Attributes.Clone(),
	}
}

// Project returns a snapshot restricted to the named attributes.
// An empty column list returns the full snapshot.
func (e *Entity) Project(columns []string) *Entity {
	if e == nil {
		return nil
	}
	if len(columns) == 0 {
		return e.Clone()
	}
	out := &Entity{
		LogicalName: e.LogicalName,
		ID:          e.ID,
		Attributes:  make(Attributes, len(columns)),
	}
	for _, c := range columns {
		if v, ok := e.Attributes[c]; ok {
			out.Attributes[c] = v
		}
	}
	return out
}

// Merge overlays the attributes of other onto a copy of e.
func (e *Entity) Merge(other *Entity) *Entity {
	out := e.Clone()
	if other == nil {
		return out
	}
	for k, v := range other.Attributes {
		out.Attributes[k] = v
	}
	return out
}

// ToReference returns the lightweight reference for this entity.
func (e *Entity) ToReference() EntityReference {
	return EntityReference{LogicalName: e.LogicalName, ID: e.ID}
}
