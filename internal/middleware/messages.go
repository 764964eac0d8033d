package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// Generic messages handled by AddFakeMessageExecutors.
const (
	MessageWhoAmI = "WhoAmI"
	MessageAssign = "Assign"
)

// MessageExecutor handles one generic message.
type MessageExecutor interface {
	Execute(ctx context.Context, fc *FakedContext, req *xrm.OrganizationRequest) (xrm.Response, error)
}

// MessageExecutorFunc adapts a function to MessageExecutor.
type MessageExecutorFunc func(ctx context.Context, fc *FakedContext, req *xrm.OrganizationRequest) (xrm.Response, error)

// Execute calls f.
func (f MessageExecutorFunc) Execute(ctx context.Context, fc *FakedContext, req *xrm.OrganizationRequest) (xrm.Response, error) {
	return f(ctx, fc, req)
}

// AddMessageExecutor handles generic requests named name. Names compare
// case-insensitively; a later executor for the same name wins.
func (b *Builder) AddMessageExecutor(name string, exec MessageExecutor) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.executors[strings.ToLower(name)] = exec
		return nil
	})
}

// AddFakeMessageExecutors installs the built-in WhoAmI and Assign
// executors.
func (b *Builder) AddFakeMessageExecutors() *Builder {
	return b.
		AddMessageExecutor(MessageWhoAmI, MessageExecutorFunc(whoAmI)).
		AddMessageExecutor(MessageAssign, MessageExecutorFunc(assign))
}

// UseMessages executes generic requests with a registered executor.
// Everything else goes to the next middleware.
func (b *Builder) UseMessages() *Builder {
	return b.Use(func(next RequestDelegate) RequestDelegate {
		return func(ctx context.Context, fc *FakedContext, req xrm.Request) (xrm.Response, error) {
			r, ok := req.(*xrm.OrganizationRequest)
			if !ok {
				return next(ctx, fc, req)
			}
			exec, ok := fc.executors[strings.ToLower(r.Name)]
			if !ok {
				return next(ctx, fc, req)
			}
			return exec.Execute(ctx, fc, r)
		}
	})
}

func whoAmI(_ context.Context, fc *FakedContext, req *xrm.OrganizationRequest) (xrm.Response, error) {
	return xrm.OrganizationResponse{
		Name:    req.Name,
		Results: map[string]any{"UserId": fc.callerID},
	}, nil
}

// assign sets ownerid on Target to Assignee.
func assign(ctx context.Context, fc *FakedContext, req *xrm.OrganizationRequest) (xrm.Response, error) {
	target, err := referenceParam(req, "Target")
	if err != nil {
		return nil, err
	}
	assignee, err := referenceParam(req, "Assignee")
	if err != nil {
		return nil, err
	}
	if fc.store == nil {
		return nil, ErrNoStore
	}

	update := &xrm.Entity{LogicalName: target.LogicalName, ID: target.ID}
	update.Set("ownerid", xrm.Ref(assignee))
	if _, err := fc.store.UpdateEntity(ctx, update); err != nil {
		return nil, fmt.Errorf("assign %s: %w", target, err)
	}
	return xrm.OrganizationResponse{Name: req.Name, Results: map[string]any{}}, nil
}

func referenceParam(req *xrm.OrganizationRequest, name string) (xrm.EntityReference, error) {
	switch v := req.Parameters[name].(type) {
	case xrm.EntityReference:
		return v, nil
	case *xrm.EntityReference:
		if v != nil {
			return *v, nil
		}
	}
	return xrm.EntityReference{}, fmt.Errorf("%w: %s requires an entity reference parameter %q",
		ErrInvalidRequest, req.Name, name)
}
