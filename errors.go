package axlens

import (
	"errors"

	"github.com/hazyhaar/axlens/internal/cdp"
	"github.com/hazyhaar/axlens/internal/merge"
)

// ErrUnknownRef is returned when a reference does not resolve to any
// element captured for the target. Stale or mistyped refs fail loudly; a
// ref is never silently remapped to another element.
var ErrUnknownRef = errors.New("axlens: unknown element reference")

// ErrNoBody is returned when the inspected document has no body element.
var ErrNoBody = merge.ErrNoBody

// ErrNotStarted is returned by operations invoked before Start.
var ErrNotStarted = errors.New("axlens: not started")

// FailureClass maps an operation error to its failure class, as recorded
// in the audit trail and used for transport status mapping: unknown_ref,
// no_body, not_started, protocol (the browser refused a command), or
// transport (the connection itself failed). Nil maps to "".
func FailureClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownRef):
		return "unknown_ref"
	case errors.Is(err, ErrNoBody):
		return "no_body"
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	}
	var perr *cdp.Error
	if errors.As(err, &perr) {
		return "protocol"
	}
	return "transport"
}
