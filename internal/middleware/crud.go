package middleware

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// UseCrud executes Create, Update, Delete and Retrieve against the store.
// Other requests go to the next middleware.
func (b *Builder) UseCrud() *Builder {
	return b.Use(func(next RequestDelegate) RequestDelegate {
		return func(ctx context.Context, fc *FakedContext, req xrm.Request) (xrm.Response, error) {
			switch r := req.(type) {
			case *xrm.CreateRequest:
				return fc.executeCreate(ctx, r)
			case *xrm.UpdateRequest:
				return fc.executeUpdate(ctx, r)
			case *xrm.DeleteRequest:
				return fc.executeDelete(ctx, r)
			case *xrm.RetrieveRequest:
				return fc.executeRetrieve(ctx, r)
			default:
				return next(ctx, fc, req)
			}
		}
	})
}

// executeCreate assigns an id when the target has none and writes it back
// onto the target, so Postoperation steps see it in the post-image.
func (fc *FakedContext) executeCreate(ctx context.Context, r *xrm.CreateRequest) (xrm.Response, error) {
	if r.Target == nil {
		return nil, fmt.Errorf("%w: create without target", ErrInvalidRequest)
	}
	if fc.store == nil {
		return nil, ErrNoStore
	}
	if r.Target.ID == uuid.Nil {
		r.Target.ID = fc.newID()
	}
	if err := fc.store.CreateEntity(ctx, r.Target); err != nil {
		return nil, err
	}
	fc.logger.Debug("entity created", "entity", r.Target.ToReference())
	return xrm.CreateResponse{ID: r.Target.ID}, nil
}

func (fc *FakedContext) executeUpdate(ctx context.Context, r *xrm.UpdateRequest) (xrm.Response, error) {
	if r.Target == nil || r.Target.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: update requires a target with an id", ErrInvalidRequest)
	}
	if fc.store == nil {
		return nil, ErrNoStore
	}
	if _, err := fc.store.UpdateEntity(ctx, r.Target); err != nil {
		return nil, err
	}
	fc.logger.Debug("entity updated", "entity", r.Target.ToReference())
	return xrm.UpdateResponse{}, nil
}

func (fc *FakedContext) executeDelete(ctx context.Context, r *xrm.DeleteRequest) (xrm.Response, error) {
	if r.Target.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: delete requires an id", ErrInvalidRequest)
	}
	if fc.store == nil {
		return nil, ErrNoStore
	}
	if err := fc.store.DeleteEntity(ctx, r.Target); err != nil {
		return nil, err
	}
	fc.logger.Debug("entity deleted", "entity", r.Target)
	return xrm.DeleteResponse{}, nil
}

func (fc *FakedContext) executeRetrieve(ctx context.Context, r *xrm.RetrieveRequest) (xrm.Response, error) {
	if fc.store == nil {
		return nil, ErrNoStore
	}
	e, err := fc.store.RetrieveEntity(ctx, r.Target, r.Columns)
	if err != nil {
		return nil, err
	}
	return xrm.RetrieveResponse{Entity: e}, nil
}
