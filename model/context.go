package model

import (
	"context"
	"errors"
)

// RequestContext carries the authenticated caller identity and tracing
// information for the lifetime of a request. It is immutable after
// construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	DeviceID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanActFor reports whether the caller may submit data for deviceID. Callers
// bound to a device may only act for that device; callers with the "operator"
// role may act for any device.
func (rc *RequestContext) CanActFor(deviceID string) bool {
	if rc.HasRole("operator") {
		return true
	}
	return rc.DeviceID != "" && rc.DeviceID == deviceID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
