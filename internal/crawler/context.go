package crawler

import "context"

type (
	credentialKey struct{}
	logFuncKey    struct{}
)

// LogFunc forwards a provider diagnostic line to the observers of the task
// the call is made for. source names the component that logged it.
type LogFunc func(level, source, message string)

// WithCredential returns a context carrying the task's session cookie for
// provider calls made on its behalf.
func WithCredential(ctx context.Context, cookie string) context.Context {
	return context.WithValue(ctx, credentialKey{}, cookie)
}

// CredentialFrom returns the cookie stored by WithCredential, if any.
func CredentialFrom(ctx context.Context) string {
	cookie, _ := ctx.Value(credentialKey{}).(string)
	return cookie
}

// WithLogFunc returns a context whose provider log lines are handed to fn.
func WithLogFunc(ctx context.Context, fn LogFunc) context.Context {
	return context.WithValue(ctx, logFuncKey{}, fn)
}

// EmitLog sends a line through the LogFunc stored in ctx. Without one it does nothing.
func EmitLog(ctx context.Context, level, source, message string) {
	if fn, ok := ctx.Value(logFuncKey{}).(LogFunc); ok && fn != nil {
		fn(level, source, message)
	}
}
