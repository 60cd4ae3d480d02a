// Package kit holds the transport-agnostic plumbing shared by the HTTP and
// MCP surfaces: the endpoint and middleware shapes, request-scoped context
// values, and the MCP tool adapter.
package kit

import "context"

// Endpoint is one transport-agnostic operation: a decoded request in, a
// response out, both untyped at this layer.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost:
// Chain(a, b, c)(e) runs a, then b, then c, then e.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
