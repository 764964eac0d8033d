package pipeline

import "github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"

// TargetResolver extracts the primary record a request acts upon.
type TargetResolver interface {
	GetTarget(req xrm.Request) xrm.Target
}

// TargetResolverFunc adapts a function to TargetResolver.
type TargetResolverFunc func(req xrm.Request) xrm.Target

// GetTarget calls f.
func (f TargetResolverFunc) GetTarget(req xrm.Request) xrm.Target {
	return f(req)
}

// DefaultTargetResolver resolves targets for the built-in request types and
// for generic requests carrying a "Target" parameter.
type DefaultTargetResolver struct{}

// GetTarget implements TargetResolver.
func (DefaultTargetResolver) GetTarget(req xrm.Request) xrm.Target {
	switch r := req.(type) {
	case *xrm.CreateRequest:
		return xrm.EntityTarget(r.Target)
	case *xrm.UpdateRequest:
		return xrm.EntityTarget(r.Target)
	case *xrm.DeleteRequest:
		return xrm.ReferenceTarget(r.Target)
	case *xrm.RetrieveRequest:
		return xrm.ReferenceTarget(r.Target)
	case *xrm.OrganizationRequest:
		switch t := r.Parameters["Target"].(type) {
		case *xrm.Entity:
			return xrm.EntityTarget(t)
		case xrm.EntityReference:
			return xrm.ReferenceTarget(t)
		case *xrm.EntityReference:
			if t != nil {
				return xrm.ReferenceTarget(*t)
			}
		}
		return xrm.NoTarget()
	default:
		return xrm.NoTarget()
	}
}
