package middleware

import "errors"

var (
	// ErrNoExecutor is returned when no middleware handled a request.
	ErrNoExecutor = errors.New("no executor handled the request")

	// ErrNoStore is returned when an entity operation runs on a context
	// built without AddCrud.
	ErrNoStore = errors.New("context has no entity store; call AddCrud")

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)
