package xrm

import "github.com/google/uuid"

// Well-known message names.
const (
	MessageCreate   = "Create"
	MessageUpdate   = "Update"
	MessageDelete   = "Delete"
	MessageRetrieve = "Retrieve"
)

// Request is an organization request flowing through the middleware.
type Request interface {
	// RequestName is the message name steps are registered against.
	RequestName() string
}

// Response is the result of executing a Request.
type Response interface {
	ResponseName() string
}

// CreateRequest creates Target. If Target.ID is zero an id is assigned by
// the executor and written back onto Target.
type CreateRequest struct {
	Target *Entity
}

func (*CreateRequest) RequestName() string { return MessageCreate }

// UpdateRequest overlays Target's attributes onto the stored record.
type UpdateRequest struct {
	Target *Entity
}

func (*UpdateRequest) RequestName() string { return MessageUpdate }

// DeleteRequest removes the referenced record.
type DeleteRequest struct {
	Target EntityReference
}

func (*DeleteRequest) RequestName() string { return MessageDelete }

// RetrieveRequest reads the referenced record. Empty Columns means all.
type RetrieveRequest struct {
	Target  EntityReference
	Columns []string
}

func (*RetrieveRequest) RequestName() string { return MessageRetrieve }

// OrganizationRequest is a generic request identified only by name.
// A "Target" parameter holding *Entity or EntityReference is honored by
// target resolution.
type OrganizationRequest struct {
	Name       string
	Parameters map[string]any
}

func (r *OrganizationRequest) RequestName() string { return r.Name }

// CreateResponse carries the id of the created record.
type CreateResponse struct {
	ID uuid.UUID
}

func (CreateResponse) ResponseName() string { return MessageCreate }

// UpdateResponse is empty.
type UpdateResponse struct{}

func (UpdateResponse) ResponseName() string { return MessageUpdate }

// DeleteResponse is empty.
type DeleteResponse struct{}

func (DeleteResponse) ResponseName() string { return MessageDelete }

// RetrieveResponse carries the retrieved snapshot.
type RetrieveResponse struct {
	Entity *Entity
}

func (RetrieveResponse) ResponseName() string { return MessageRetrieve }

// OrganizationResponse is the generic response.
type OrganizationResponse struct {
	Name    string
	Results map[string]any
}

func (r OrganizationResponse) ResponseName() string { return r.Name }
