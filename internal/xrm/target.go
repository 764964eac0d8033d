package xrm

// TargetKind discriminates the Target union.
type TargetKind int

const (
	// TargetNone means the request carries no resolvable target.
	TargetNone TargetKind = iota
	// TargetEntity means the target is a full entity with attributes.
	TargetEntity
	// TargetReference means the target is a bare identifier + type name.
	TargetReference
)

// String returns the kind name.
func (k TargetKind) String() string {
	switch k {
	case TargetEntity:
		return "entity"
	case TargetReference:
		return "reference"
	default:
		return "none"
	}
}

// Target is the primary record a request acts upon. Exactly one of the
// three cases is populated, selected by Kind:
//
//	TargetNone      - no fields
//	TargetEntity    - Entity (pointer to the request's own entity)
//	TargetReference - Reference
//
// The entity case aliases the request payload on purpose: the core
// operation mutates it in place (e.g. assigning an id on create), and the
// post-image is taken from that mutated state.
type Target struct {
	kind      TargetKind
	entity    *Entity
	reference EntityReference
}

// NoTarget returns the empty target.
func NoTarget() Target {
	return Target{kind: TargetNone}
}

// EntityTarget wraps a full entity. A nil entity yields NoTarget.
func EntityTarget(e *Entity) Target {
	if e == nil {
		return NoTarget()
	}
	return Target{kind: TargetEntity, entity: e}
}

// ReferenceTarget wraps an entity reference.
func ReferenceTarget(r EntityReference) Target {
	return Target{kind: TargetReference, reference: r}
}

// Kind returns which case is populated.
func (t Target) Kind() TargetKind {
	return t.kind
}

// Entity returns the entity case, or nil for the other cases.
func (t Target) Entity() *Entity {
	if t.kind != TargetEntity {
		return nil
	}
	return t.entity
}

// Identity returns the (logical name, id) of the target. ok is false for
// TargetNone.
func (t Target) Identity() (ref EntityReference, ok bool) {
	switch t.kind {
	case TargetEntity:
		return t.entity.ToReference(), true
	case TargetReference:
		return t.reference, true
	default:
		return EntityReference{}, false
	}
}

// LogicalName returns the target's entity type, or "" for TargetNone.
func (t Target) LogicalName() string {
	ref, _ := t.Identity()
	return ref.LogicalName
}
