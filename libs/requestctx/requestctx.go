// Package requestctx carries request-scoped identifiers through context.
package requestctx

import "context"

type requestIDKey struct{}

type subjectKey struct{}

type clientIPKey struct{}

// WithRequestID stores the correlation id of the inbound request.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithSubject stores the authenticated token subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// Subject returns the authenticated token subject stored in ctx, or "".
func Subject(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(subjectKey{}).(string)
	return v
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIP(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(clientIPKey{}).(string)
	return v
}
